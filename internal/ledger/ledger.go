// Package ledger implements the vault: the single authoritative ledger of
// stable collateral, aggregate long exposure, per-position records, and the
// funding-rate integral. Every other core module mutates it exclusively
// through capability-gated handles bound to a registry key, and all reads
// after a Settle observe one consistent (price, funding index) point.
//
// The vault never talks to the outside world except to move collateral
// through the injected mover, and it performs those moves only after its own
// state is final.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/syntha/margin-engine/internal/fault"
	"github.com/syntha/margin-engine/internal/fixedpoint"
	"github.com/syntha/margin-engine/internal/registry"
)

// VaultAccount is the collateral account backing stable deposits and
// position margins. Its balance must track
// stableCollateralTotal + marginDepositedTotal at all times.
const VaultAccount = "vault"

// ErrPositionNotFound is returned for operations on unknown token ids.
var ErrPositionNotFound = fault.State("ledger: position not found")

// ErrNotLocked is returned when releasing a hold that was never taken.
var ErrNotLocked = fault.State("ledger: position not locked by module")

// CollateralMover is the slice of the collateral token the vault needs.
type CollateralMover interface {
	BalanceOf(account string) fixedpoint.Value
	Move(from, to string, amount fixedpoint.Value) error
}

// Config carries the owner-controlled ledger bounds.
type Config struct {
	// MaxFundingVelocity bounds the funding-rate change per day.
	MaxFundingVelocity fixedpoint.Value

	// MaxVelocitySkew is the skew fraction at which funding velocity
	// saturates.
	MaxVelocitySkew fixedpoint.Value

	// SkewFractionMax is the highest allowed skew fraction after any
	// operation that increases long exposure or decreases stable collateral.
	SkewFractionMax fixedpoint.Value

	// StableCollateralCap bounds stableCollateralTotal after a deposit.
	StableCollateralCap fixedpoint.Value
}

// Position is one leveraged long, keyed by its token id.
type Position struct {
	TokenID                uint64
	EntryPrice             fixedpoint.Value
	MarginDeposited        fixedpoint.Value
	AdditionalSize         fixedpoint.Value
	EntryCumulativeFunding fixedpoint.Value
}

// ProfitLoss returns the signed price PnL at price:
//
//	additionalSize * (price - entryPrice) / entryPrice
func (p Position) ProfitLoss(price fixedpoint.Value) fixedpoint.Value {
	return p.AdditionalSize.MulDiv(price.Sub(p.EntryPrice), p.EntryPrice)
}

// AccruedFunding returns the signed funding accrued since entry at the
// given cumulative index:
//
//	additionalSize * (index - entryCumulativeFunding)
//
// The index falls while the funding rate is positive, so the result is
// negative when the long side pays.
func (p Position) AccruedFunding(index fixedpoint.Value) fixedpoint.Value {
	return p.AdditionalSize.Mul(index.Sub(p.EntryCumulativeFunding))
}

// MarginAfterSettlement returns margin with PnL and funding settled in.
func (p Position) MarginAfterSettlement(price, index fixedpoint.Value) fixedpoint.Value {
	return p.MarginDeposited.Add(p.ProfitLoss(price)).Add(p.AccruedFunding(index))
}

// GlobalPosition aggregates the long side of the book.
type GlobalPosition struct {
	// SizeOpenedTotal is the summed additionalSize of open positions.
	SizeOpenedTotal fixedpoint.Value

	// MarginDepositedTotal tracks long-side margin including settled
	// funding and marked price PnL. Signed: it may dip below zero when the
	// book is underwater ahead of liquidations.
	MarginDepositedTotal fixedpoint.Value

	// SizePerEntryTotal is the summed size/entryPrice of open positions;
	// it makes the aggregate mark-to-market delta exact.
	SizePerEntryTotal fixedpoint.Value

	// LastPrice is the price of the most recent mark.
	LastPrice fixedpoint.Value

	// LastFundingEntry is the cumulative funding index at the aggregate's
	// last touch.
	LastFundingEntry fixedpoint.Value
}

// FundingState is the lazily integrated funding-rate state.
type FundingState struct {
	// CumulativeIndex is the funding-per-unit-size integral positions
	// snapshot at entry.
	CumulativeIndex fixedpoint.Value

	// LastFundingRate is the instantaneous rate at LastRecomputedTime.
	LastFundingRate fixedpoint.Value

	// LastRecomputedTime is the end of the last settled interval.
	LastRecomputedTime time.Time
}

// Vault holds the global ledger state. It is not safe for concurrent use;
// the engine serializes every call.
type Vault struct {
	cfg  Config
	reg  *registry.Registry
	coll CollateralMover

	stableCollateralTotal fixedpoint.Value
	global                GlobalPosition
	funding               FundingState
	positions             map[uint64]Position
	locks                 map[uint64]map[registry.Key]int
}

// New returns an empty vault with the funding clock starting at now.
func New(cfg Config, reg *registry.Registry, coll CollateralMover, now time.Time) *Vault {
	return &Vault{
		cfg:       cfg,
		reg:       reg,
		coll:      coll,
		funding:   FundingState{LastRecomputedTime: now},
		positions: make(map[uint64]Position),
		locks:     make(map[uint64]map[registry.Key]int),
	}
}

// Hydrate replaces the vault state from persisted records. Boot only.
func (v *Vault) Hydrate(stable fixedpoint.Value, g GlobalPosition, f FundingState, positions []Position) {
	v.stableCollateralTotal = stable
	v.global = g
	v.funding = f
	v.positions = make(map[uint64]Position, len(positions))
	for _, p := range positions {
		v.positions[p.TokenID] = p
	}
	v.locks = make(map[uint64]map[registry.Key]int)
}

// Cfg returns the configured bounds.
func (v *Vault) Cfg() Config { return v.cfg }

// StableCollateralTotal returns the tracked stable-side collateral. Signed:
// deep insolvency can push it below zero.
func (v *Vault) StableCollateralTotal() fixedpoint.Value { return v.stableCollateralTotal }

// Global returns a copy of the aggregate long-side state.
func (v *Vault) Global() GlobalPosition { return v.global }

// Funding returns a copy of the funding state.
func (v *Vault) Funding() FundingState { return v.funding }

// Position returns the position for tokenID.
func (v *Vault) Position(tokenID uint64) (Position, bool) {
	p, ok := v.positions[tokenID]
	return p, ok
}

// Positions returns all open positions ordered by token id.
func (v *Vault) Positions() []Position {
	out := make([]Position, 0, len(v.positions))
	for _, p := range v.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// --- Locks ---

// Lock adds one hold on tokenID for the module key.
func (v *Vault) Lock(tokenID uint64, key registry.Key) error {
	if _, ok := v.positions[tokenID]; !ok {
		return fmt.Errorf("%w: %d", ErrPositionNotFound, tokenID)
	}
	holds := v.locks[tokenID]
	if holds == nil {
		holds = make(map[registry.Key]int)
		v.locks[tokenID] = holds
	}
	holds[key]++
	return nil
}

// Unlock releases one hold on tokenID for the module key. Releasing after
// the position was deleted is a no-op: deletion already cleared the holds.
func (v *Vault) Unlock(tokenID uint64, key registry.Key) error {
	if _, ok := v.positions[tokenID]; !ok {
		return nil
	}
	holds := v.locks[tokenID]
	if holds[key] == 0 {
		return fmt.Errorf("%w: %d by %s", ErrNotLocked, tokenID, key)
	}
	holds[key]--
	if holds[key] == 0 {
		delete(holds, key)
	}
	if len(holds) == 0 {
		delete(v.locks, tokenID)
	}
	return nil
}

// Locked reports whether tokenID carries any hold. Deleted positions report
// false.
func (v *Vault) Locked(tokenID uint64) bool {
	if _, ok := v.positions[tokenID]; !ok {
		return false
	}
	return len(v.locks[tokenID]) > 0
}

// LockedBy reports whether the module key currently holds tokenID. A
// position that was locked by the key and then deleted reports false.
func (v *Vault) LockedBy(tokenID uint64, key registry.Key) bool {
	if _, ok := v.positions[tokenID]; !ok {
		return false
	}
	return v.locks[tokenID][key] > 0
}

// --- Capability handles ---

// Handle exposes the capability-gated mutators to one bound module key.
// Every call re-checks the registry, so pausing a key freezes its module
// immediately.
type Handle struct {
	v   *Vault
	key registry.Key
}

// Bind returns a handle bound to key. Binding does not authorize; the
// registry is consulted on each call.
func (v *Vault) Bind(key registry.Key) *Handle {
	return &Handle{v: v, key: key}
}

// Key returns the bound capability key.
func (h *Handle) Key() registry.Key { return h.key }

// Vault returns the underlying vault for ungated reads.
func (h *Handle) Vault() *Vault { return h.v }

// SendCollateral moves amount from the vault account to a recipient.
// Callers adjust the tracked totals first; the transfer is the final,
// external step of an operation.
func (h *Handle) SendCollateral(to string, amount fixedpoint.Value) error {
	if err := h.v.reg.Authorized(h.key); err != nil {
		return err
	}
	if amount.Sign() < 0 {
		return fault.Validation("ledger: send amount must not be negative")
	}
	return h.v.coll.Move(VaultAccount, to, amount)
}

// UpdateStableCollateralTotal shifts the stable side by delta.
func (h *Handle) UpdateStableCollateralTotal(delta fixedpoint.Value) error {
	if err := h.v.reg.Authorized(h.key); err != nil {
		return err
	}
	h.v.stableCollateralTotal = h.v.stableCollateralTotal.Add(delta)
	return nil
}

// SetPosition creates or replaces a position record.
func (h *Handle) SetPosition(p Position) error {
	if err := h.v.reg.Authorized(h.key); err != nil {
		return err
	}
	if p.TokenID == 0 {
		return fault.Validation("ledger: position token id must be set")
	}
	if p.EntryPrice.Sign() <= 0 {
		return fault.Validation("ledger: position entry price must be positive")
	}
	if p.MarginDeposited.Sign() <= 0 {
		return fault.Validation("ledger: position margin must be positive")
	}
	if p.AdditionalSize.Sign() <= 0 {
		return fault.Validation("ledger: position size must be positive")
	}
	h.v.positions[p.TokenID] = p
	return nil
}

// DeletePosition removes a position and clears its holds.
func (h *Handle) DeletePosition(tokenID uint64) error {
	if err := h.v.reg.Authorized(h.key); err != nil {
		return err
	}
	if _, ok := h.v.positions[tokenID]; !ok {
		return fmt.Errorf("%w: %d", ErrPositionNotFound, tokenID)
	}
	delete(h.v.positions, tokenID)
	delete(h.v.locks, tokenID)
	return nil
}

// UpdateGlobalPositionData marks the aggregate to price and applies the
// deltas of one position mutation. marginDelta is the net external margin
// change (fees excluded); sizePerEntryDelta is the change in
// size/entryPrice terms.
func (h *Handle) UpdateGlobalPositionData(price, marginDelta, sizeDelta, sizePerEntryDelta fixedpoint.Value) error {
	if err := h.v.reg.Authorized(h.key); err != nil {
		return err
	}
	if price.Sign() <= 0 {
		return fault.Validation("ledger: mark price must be positive")
	}
	g := &h.v.global

	// Mark unrealized aggregate PnL to the new price before the deltas so
	// the mutating position enters at this price with nothing unrealized.
	if !g.SizePerEntryTotal.IsZero() && !g.LastPrice.IsZero() {
		pnl := g.SizePerEntryTotal.Mul(price.Sub(g.LastPrice))
		g.MarginDepositedTotal = g.MarginDepositedTotal.Add(pnl)
		h.v.stableCollateralTotal = h.v.stableCollateralTotal.Sub(pnl)
	}

	g.MarginDepositedTotal = g.MarginDepositedTotal.Add(marginDelta)
	g.SizeOpenedTotal = g.SizeOpenedTotal.Add(sizeDelta)
	g.SizePerEntryTotal = g.SizePerEntryTotal.Add(sizePerEntryDelta)
	g.LastPrice = price
	g.LastFundingEntry = h.v.funding.CumulativeIndex

	if g.SizeOpenedTotal.Sign() < 0 || g.SizePerEntryTotal.Sign() < 0 {
		return fault.Invariant("ledger: aggregate size went negative")
	}
	return nil
}

// --- Snapshot ---

// Checkpoint captures the vault state and returns a function restoring it.
func (v *Vault) Checkpoint() func() {
	stable := v.stableCollateralTotal
	global := v.global
	funding := v.funding
	positions := make(map[uint64]Position, len(v.positions))
	for k, p := range v.positions {
		positions[k] = p
	}
	locks := make(map[uint64]map[registry.Key]int, len(v.locks))
	for id, holds := range v.locks {
		cp := make(map[registry.Key]int, len(holds))
		for k, n := range holds {
			cp[k] = n
		}
		locks[id] = cp
	}
	return func() {
		v.stableCollateralTotal = stable
		v.global = global
		v.funding = funding
		v.positions = positions
		v.locks = locks
	}
}
