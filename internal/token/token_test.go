package token

import (
	"errors"
	"testing"

	"github.com/syntha/margin-engine/internal/fault"
	"github.com/syntha/margin-engine/internal/fixedpoint"
)

func fp(s string) fixedpoint.Value {
	return fixedpoint.MustParse(s)
}

// --- Bank tests ---

func TestBank_MintMoveBurn(t *testing.T) {
	b := NewBank("collateral")
	if err := b.Mint("alice", fp("100")); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := b.Move("alice", "bob", fp("30")); err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := b.BalanceOf("alice"); got.String() != "70" {
		t.Errorf("alice = %s, want 70", got)
	}
	if got := b.BalanceOf("bob"); got.String() != "30" {
		t.Errorf("bob = %s, want 30", got)
	}
	if got := b.TotalSupply(); got.String() != "100" {
		t.Errorf("supply = %s, want 100", got)
	}
	if err := b.Burn("bob", fp("30")); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := b.TotalSupply(); got.String() != "70" {
		t.Errorf("supply after burn = %s, want 70", got)
	}
}

func TestBank_MoveInsufficient(t *testing.T) {
	b := NewBank("collateral")
	_ = b.Mint("alice", fp("10"))
	err := b.Move("alice", "bob", fp("10.000000000000000001"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	if !errors.Is(err, fault.ErrEconomicLimit) {
		t.Errorf("insufficient balance should be an economic limit error")
	}
	if got := b.BalanceOf("alice"); got.String() != "10" {
		t.Errorf("failed move must not change balances, alice = %s", got)
	}
}

func TestBank_MoveZeroIsNoop(t *testing.T) {
	b := NewBank("collateral")
	if err := b.Move("ghost", "bob", fixedpoint.Zero); err != nil {
		t.Errorf("zero move should succeed, got %v", err)
	}
}

func TestBank_NegativeAmountsRejected(t *testing.T) {
	b := NewBank("shares")
	if err := b.Mint("alice", fp("-1")); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("negative mint should be a validation error, got %v", err)
	}
	if err := b.Move("alice", "bob", fp("-1")); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("negative move should be a validation error, got %v", err)
	}
}

func TestBank_Checkpoint(t *testing.T) {
	b := NewBank("collateral")
	_ = b.Mint("alice", fp("100"))
	restore := b.Checkpoint()

	_ = b.Move("alice", "bob", fp("60"))
	_ = b.Burn("bob", fp("10"))
	restore()

	if got := b.BalanceOf("alice"); got.String() != "100" {
		t.Errorf("restore should put alice back to 100, got %s", got)
	}
	if got := b.BalanceOf("bob"); !got.IsZero() {
		t.Errorf("restore should clear bob, got %s", got)
	}
	if got := b.TotalSupply(); got.String() != "100" {
		t.Errorf("restore should put supply back to 100, got %s", got)
	}
}

// --- PositionNFT tests ---

func TestPositionNFT_MintSequentialIDs(t *testing.T) {
	n := NewPositionNFT()
	id1, err := n.Mint("alice")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	id2, _ := n.Mint("bob")
	if id1 != 1 || id2 != 2 {
		t.Errorf("ids = %d, %d; want 1, 2", id1, id2)
	}
	if owner, ok := n.OwnerOf(id1); !ok || owner != "alice" {
		t.Errorf("OwnerOf(%d) = %s, %v", id1, owner, ok)
	}
}

func TestPositionNFT_BurnedIDNotReused(t *testing.T) {
	n := NewPositionNFT()
	id1, _ := n.Mint("alice")
	_ = n.Burn(id1)
	id2, _ := n.Mint("alice")
	if id2 == id1 {
		t.Errorf("burned id %d was reused", id1)
	}
	if _, ok := n.OwnerOf(id1); ok {
		t.Error("burned token should not resolve an owner")
	}
}

func TestPositionNFT_TransferGate(t *testing.T) {
	n := NewPositionNFT()
	id, _ := n.Mint("alice")

	locked := true
	n.SetTransferGate(func(tokenID uint64) bool { return tokenID == id && locked })

	if err := n.Transfer("alice", "bob", id); !errors.Is(err, fault.ErrState) {
		t.Errorf("locked transfer should fail with a state error, got %v", err)
	}

	locked = false
	if err := n.Transfer("alice", "bob", id); err != nil {
		t.Errorf("unlocked transfer should succeed, got %v", err)
	}
	if owner, _ := n.OwnerOf(id); owner != "bob" {
		t.Errorf("owner = %s, want bob", owner)
	}
}

func TestPositionNFT_TransferWrongOwner(t *testing.T) {
	n := NewPositionNFT()
	id, _ := n.Mint("alice")
	if err := n.Transfer("mallory", "bob", id); !errors.Is(err, fault.ErrState) {
		t.Errorf("wrong-owner transfer should fail with a state error, got %v", err)
	}
}

func TestPositionNFT_TokensOf(t *testing.T) {
	n := NewPositionNFT()
	a, _ := n.Mint("alice")
	_, _ = n.Mint("bob")
	c, _ := n.Mint("alice")

	ids := n.TokensOf("alice")
	if len(ids) != 2 || ids[0] != a || ids[1] != c {
		t.Errorf("TokensOf(alice) = %v, want [%d %d]", ids, a, c)
	}
	if got := n.TokensOf("nobody"); len(got) != 0 {
		t.Errorf("TokensOf(nobody) = %v, want empty", got)
	}
}

func TestPositionNFT_Checkpoint(t *testing.T) {
	n := NewPositionNFT()
	id, _ := n.Mint("alice")
	restore := n.Checkpoint()

	_ = n.Burn(id)
	_, _ = n.Mint("bob")
	restore()

	if owner, ok := n.OwnerOf(id); !ok || owner != "alice" {
		t.Errorf("restore should bring back alice's token, got %s, %v", owner, ok)
	}
	next, _ := n.Mint("carol")
	if next != id+1 {
		t.Errorf("restore should rewind the id counter, next = %d", next)
	}
}
