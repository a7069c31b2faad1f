// Package token provides in-memory ledgers for the three token surfaces the
// engine consumes: the fungible collateral asset, the fungible stable
// shares, and the non-fungible position token. A deployment replaces these
// with adapters to real token systems; the core only sees the narrow
// interfaces declared at each point of use.
//
// None of the types lock internally; the engine serializes every call.
package token

import (
	"fmt"
	"sort"

	"github.com/syntha/margin-engine/internal/fault"
	"github.com/syntha/margin-engine/internal/fixedpoint"
)

// ErrInsufficientBalance is returned when a move exceeds the source balance.
var ErrInsufficientBalance = fault.EconomicLimit("token: insufficient balance")

// Bank is a fungible balance ledger. The engine runs two instances: the
// collateral asset and the stable shares.
type Bank struct {
	name     string
	balances map[string]fixedpoint.Value
	supply   fixedpoint.Value
}

// NewBank returns an empty ledger named for error messages ("collateral",
// "shares").
func NewBank(name string) *Bank {
	return &Bank{name: name, balances: make(map[string]fixedpoint.Value)}
}

// BalanceOf returns the balance of account, zero for unknown accounts.
func (b *Bank) BalanceOf(account string) fixedpoint.Value {
	return b.balances[account]
}

// TotalSupply returns the sum of all balances.
func (b *Bank) TotalSupply() fixedpoint.Value {
	return b.supply
}

// Mint credits account with amount.
func (b *Bank) Mint(account string, amount fixedpoint.Value) error {
	if account == "" {
		return fault.Validation("token: %s mint to empty account", b.name)
	}
	if amount.Sign() < 0 {
		return fault.Validation("token: %s mint amount must not be negative", b.name)
	}
	b.balances[account] = b.balances[account].Add(amount)
	b.supply = b.supply.Add(amount)
	return nil
}

// Burn debits account by amount.
func (b *Bank) Burn(account string, amount fixedpoint.Value) error {
	if amount.Sign() < 0 {
		return fault.Validation("token: %s burn amount must not be negative", b.name)
	}
	bal := b.balances[account]
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s burn %s from %s holding %s",
			ErrInsufficientBalance, b.name, amount, account, bal)
	}
	b.balances[account] = bal.Sub(amount)
	b.supply = b.supply.Sub(amount)
	return nil
}

// Move transfers amount from one account to another. A zero amount is a
// no-op so settlement paths need no special casing.
func (b *Bank) Move(from, to string, amount fixedpoint.Value) error {
	if from == "" || to == "" {
		return fault.Validation("token: %s move with empty account", b.name)
	}
	if amount.Sign() < 0 {
		return fault.Validation("token: %s move amount must not be negative", b.name)
	}
	if amount.IsZero() {
		return nil
	}
	bal := b.balances[from]
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s move %s from %s holding %s",
			ErrInsufficientBalance, b.name, amount, from, bal)
	}
	b.balances[from] = bal.Sub(amount)
	b.balances[to] = b.balances[to].Add(amount)
	return nil
}

// Checkpoint captures the ledger state and returns a function restoring it.
func (b *Bank) Checkpoint() func() {
	saved := make(map[string]fixedpoint.Value, len(b.balances))
	for k, v := range b.balances {
		saved[k] = v
	}
	supply := b.supply
	return func() {
		b.balances = saved
		b.supply = supply
	}
}

// PositionNFT is the non-fungible position token ledger. Token ids are
// assigned sequentially starting at 1 and never reused.
type PositionNFT struct {
	nextID uint64
	owners map[uint64]string
	gate   func(tokenID uint64) bool // reports the token held by a lock
}

// NewPositionNFT returns an empty ledger. The transfer gate defaults to
// "never locked" until SetTransferGate wires the vault's lock table.
func NewPositionNFT() *PositionNFT {
	return &PositionNFT{nextID: 1, owners: make(map[uint64]string)}
}

// SetTransferGate installs the lock predicate consulted on every transfer.
func (n *PositionNFT) SetTransferGate(gate func(tokenID uint64) bool) {
	n.gate = gate
}

// Hydrate replaces the ownership table from persisted records and resumes
// id assignment past the highest restored id. Boot only.
func (n *PositionNFT) Hydrate(owners map[uint64]string) {
	n.owners = make(map[uint64]string, len(owners))
	n.nextID = 1
	for id, owner := range owners {
		n.owners[id] = owner
		if id >= n.nextID {
			n.nextID = id + 1
		}
	}
}

// Mint creates a token owned by owner and returns its id.
func (n *PositionNFT) Mint(owner string) (uint64, error) {
	if owner == "" {
		return 0, fault.Validation("token: position mint to empty owner")
	}
	id := n.nextID
	n.nextID++
	n.owners[id] = owner
	return id, nil
}

// Burn destroys a token.
func (n *PositionNFT) Burn(tokenID uint64) error {
	if _, ok := n.owners[tokenID]; !ok {
		return fault.State("token: position %d does not exist", tokenID)
	}
	delete(n.owners, tokenID)
	return nil
}

// OwnerOf returns the owner of tokenID.
func (n *PositionNFT) OwnerOf(tokenID uint64) (string, bool) {
	owner, ok := n.owners[tokenID]
	return owner, ok
}

// Transfer moves tokenID from its current owner to another account.
// Transfer is refused while the token is locked.
func (n *PositionNFT) Transfer(from, to string, tokenID uint64) error {
	owner, ok := n.owners[tokenID]
	if !ok {
		return fault.State("token: position %d does not exist", tokenID)
	}
	if owner != from {
		return fault.State("token: position %d not owned by %s", tokenID, from)
	}
	if to == "" {
		return fault.Validation("token: position transfer to empty account")
	}
	if n.gate != nil && n.gate(tokenID) {
		return fault.State("token: position %d is locked", tokenID)
	}
	n.owners[tokenID] = to
	return nil
}

// TokensOf enumerates the token ids owned by account, ascending.
func (n *PositionNFT) TokensOf(account string) []uint64 {
	var ids []uint64
	for id, owner := range n.owners {
		if owner == account {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Checkpoint captures the ledger state and returns a function restoring it.
func (n *PositionNFT) Checkpoint() func() {
	saved := make(map[uint64]string, len(n.owners))
	for k, v := range n.owners {
		saved[k] = v
	}
	next := n.nextID
	return func() {
		n.owners = saved
		n.nextID = next
	}
}
