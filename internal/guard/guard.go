// Package guard brackets every mutating engine operation with
// bookkeeping checks and an all-or-nothing state restore.
//
// Before and after the wrapped function it verifies that the collateral
// the vault account actually holds matches the tracked totals, and that
// the per-position margins sum to the aggregate margin field. Any
// violation, and any error from the wrapped function, rolls every
// watched state holder back to its checkpoint; a violation is reported
// as an invariant fault naming the failed check and is never retried.
//
// The stable per-share check lives at the pool operation boundary
// instead, where the funding-settled baseline is observable.
package guard

import (
	"fmt"

	"github.com/syntha/margin-engine/internal/fault"
	"github.com/syntha/margin-engine/internal/fixedpoint"
	"github.com/syntha/margin-engine/internal/ledger"
	"github.com/syntha/margin-engine/internal/token"
)

// Check names carried by invariant faults.
const (
	CheckBacking = "collateral-backing"
	CheckMargins = "margin-accounting"
)

// ErrReentered is returned when an operation class is entered again
// before the previous call finished.
var ErrReentered = fault.State("guard: operation class already in flight")

// Checkpointer snapshots a state holder and returns the function that
// restores the snapshot.
type Checkpointer interface {
	Checkpoint() func()
}

// Config bounds the acceptable drift between tracked and held totals.
type Config struct {
	Tolerance fixedpoint.Value
}

// Guard wraps engine mutations. Not safe for concurrent use; the engine
// serializes every call.
type Guard struct {
	cfg      Config
	v        *ledger.Vault
	coll     *token.Bank
	state    []Checkpointer
	inFlight map[string]bool
}

// New returns a guard checking the vault against the collateral bank.
// state lists every further holder to checkpoint under the bracket; the
// vault and the bank are always included.
func New(cfg Config, v *ledger.Vault, coll *token.Bank, state ...Checkpointer) *Guard {
	all := make([]Checkpointer, 0, len(state)+2)
	all = append(all, v, coll)
	all = append(all, state...)
	return &Guard{
		cfg:      cfg,
		v:        v,
		coll:     coll,
		state:    all,
		inFlight: make(map[string]bool),
	}
}

// Bracket runs fn between pre and post checks. On any error the watched
// state is restored to the checkpoint taken at entry, so a failed
// operation leaves nothing behind. class is the reentrancy domain: a
// class may not re-enter itself while in flight.
func (g *Guard) Bracket(class string, fn func() error) error {
	if g.inFlight[class] {
		return fmt.Errorf("%w: %s", ErrReentered, class)
	}
	g.inFlight[class] = true
	defer delete(g.inFlight, class)

	restores := make([]func(), len(g.state))
	for i, s := range g.state {
		restores[i] = s.Checkpoint()
	}
	restore := func() {
		for _, r := range restores {
			r()
		}
	}

	// A pre-check failure means the books were already bad; there is
	// nothing worth restoring to.
	if err := g.verify("pre"); err != nil {
		return err
	}
	if err := fn(); err != nil {
		restore()
		return err
	}
	if err := g.verify("post"); err != nil {
		restore()
		return err
	}
	return nil
}

// verify runs the backing and margin-accounting checks.
func (g *Guard) verify(phase string) error {
	held := g.coll.BalanceOf(ledger.VaultAccount)
	tracked := g.v.StableCollateralTotal().Add(g.v.Global().MarginDepositedTotal)
	if held.Sub(tracked).Abs().Cmp(g.cfg.Tolerance) > 0 {
		return fault.Invariant("guard: %s %s: vault holds %s, tracked %s",
			phase, CheckBacking, held, tracked)
	}

	// Settling every margin at the aggregate's own mark must reproduce
	// the aggregate, up to the documented rounding bias.
	global := g.v.Global()
	index := g.v.Funding().CumulativeIndex
	sum := fixedpoint.Zero
	for _, p := range g.v.Positions() {
		sum = sum.Add(p.MarginAfterSettlement(global.LastPrice, index))
	}
	if sum.Sub(global.MarginDepositedTotal).Abs().Cmp(g.cfg.Tolerance) > 0 {
		return fault.Invariant("guard: %s %s: margins sum to %s, aggregate %s",
			phase, CheckMargins, sum, global.MarginDepositedTotal)
	}
	return nil
}
