// Package orders runs the announce/execute state machine fronting the
// stable pool and the position book.
//
// Delayed orders occupy a single slot per account; limit close orders are
// keyed by position id and live independently. Announcing escrows the
// keeper fee plus any collateral the order will need, so execution never
// reaches into the announcer's wallet. A keeper executes inside the
// [minExecutabilityAge, maxExecutabilityAge] window with a price no older
// than the announcement, and is paid from escrow atomically with the
// execution. Expired orders are only resolvable by cancel.
//
// Callers bracket every announce and execute with the invariant guard;
// on error the bracket's checkpoint restore removes partial effects.
package orders

import (
	"fmt"
	"sort"
	"time"

	"github.com/syntha/margin-engine/internal/fault"
	"github.com/syntha/margin-engine/internal/fixedpoint"
	"github.com/syntha/margin-engine/internal/ledger"
	"github.com/syntha/margin-engine/internal/oracle"
	"github.com/syntha/margin-engine/internal/pool"
	"github.com/syntha/margin-engine/internal/positions"
	"github.com/syntha/margin-engine/internal/registry"
	"github.com/syntha/margin-engine/internal/token"
)

// EscrowAccount holds announced keeper fees and order collateral until
// execution or cancellation.
const EscrowAccount = "order-escrow"

// Type names an order's execute routine.
type Type string

const (
	TypeStableDeposit  Type = "stable_deposit"
	TypeStableWithdraw Type = "stable_withdraw"
	TypeLeverageOpen   Type = "leverage_open"
	TypeLeverageAdjust Type = "leverage_adjust"
	TypeLeverageClose  Type = "leverage_close"
	TypeLimitClose     Type = "limit_close"
)

// ErrOrderExists is returned when the account's delayed-order slot is
// occupied.
var ErrOrderExists = fault.State("orders: account already has a pending order")

// ErrNoOrder is returned for operations on an empty slot.
var ErrNoOrder = fault.State("orders: no pending order")

// ErrTooEarly is returned when execution is attempted before the order's
// executable time.
var ErrTooEarly = fault.State("orders: order not yet executable")

// ErrExpired is returned when execution is attempted past the window;
// expired orders can only be cancelled.
var ErrExpired = fault.State("orders: order expired; cancel it instead")

// ErrNotExpired is returned when someone other than the announcer tries
// to cancel a live order.
var ErrNotExpired = fault.State("orders: order not expired")

// ErrLimitNotReached is returned when the price sits between a limit
// order's thresholds.
var ErrLimitNotReached = fault.State("orders: price has not reached a limit threshold")

// PriceSource is the slice of the oracle the order book needs.
type PriceSource interface {
	Price(now time.Time, maxAge time.Duration, diffCheck bool) (oracle.Reading, error)
}

// Config carries the owner-controlled order parameters. KeeperFee is the
// flat quote escrowed per announce; the pricing formula behind it is
// outside the engine.
type Config struct {
	MinExecutabilityAge time.Duration
	MaxExecutabilityAge time.Duration
	KeeperFee           fixedpoint.Value
}

// Order is one announced intent. The payload fields used depend on Type.
type Order struct {
	Type             Type
	Account          string
	KeeperFee        fixedpoint.Value
	AnnouncedAt      time.Time
	ExecutableAtTime time.Time

	// Stable deposit and withdraw.
	Amount fixedpoint.Value
	MinOut fixedpoint.Value

	// Leverage open and adjust.
	Margin      fixedpoint.Value
	Size        fixedpoint.Value
	MarginDelta fixedpoint.Value
	SizeDelta   fixedpoint.Value

	// PriceBound is the slippage bound: max fill on open and size
	// increase, min fill on close and size decrease.
	PriceBound fixedpoint.Value

	// Position-keyed orders.
	TokenID uint64

	// Limit close thresholds: executable at or below Lower (stop loss) or
	// at or above Upper (profit take).
	LowerPrice fixedpoint.Value
	UpperPrice fixedpoint.Value
}

// Result describes one executed order. Value carries the shares minted on
// a deposit, the payout on a withdraw or close, and the net margin on an
// open; TokenID is set for position orders.
type Result struct {
	Order   Order
	Price   fixedpoint.Value
	TokenID uint64
	Value   fixedpoint.Value
}

// Book is the order state machine. Not safe for concurrent use; the
// engine serializes every call.
type Book struct {
	cfg    Config
	h      *ledger.Handle
	coll   *token.Bank
	nft    *token.PositionNFT
	pool   *pool.Pool
	posns  *positions.Book
	prices PriceSource

	orders map[string]Order
	limits map[uint64]Order
}

// NewBook returns an empty order book wired to the pool and position
// book it dispatches to.
func NewBook(cfg Config, h *ledger.Handle, coll *token.Bank, nft *token.PositionNFT,
	p *pool.Pool, posns *positions.Book, prices PriceSource) *Book {
	return &Book{
		cfg:    cfg,
		h:      h,
		coll:   coll,
		nft:    nft,
		pool:   p,
		posns:  posns,
		prices: prices,
		orders: make(map[string]Order),
		limits: make(map[uint64]Order),
	}
}

// KeeperFee returns the current flat keeper-fee quote.
func (b *Book) KeeperFee() fixedpoint.Value { return b.cfg.KeeperFee }

// Order returns the pending delayed order for account.
func (b *Book) Order(account string) (Order, bool) {
	o, ok := b.orders[account]
	return o, ok
}

// LimitOrder returns the pending limit order for tokenID.
func (b *Book) LimitOrder(tokenID uint64) (Order, bool) {
	o, ok := b.limits[tokenID]
	return o, ok
}

// Orders returns all pending delayed orders ordered by account.
func (b *Book) Orders() []Order {
	out := make([]Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// LimitOrders returns all pending limit orders ordered by token id.
func (b *Book) LimitOrders() []Order {
	out := make([]Order, 0, len(b.limits))
	for _, o := range b.limits {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// Expired reports whether a delayed order is past its execution window.
func (b *Book) Expired(o Order, now time.Time) bool {
	if o.Type == TypeLimitClose {
		return false
	}
	return now.After(o.ExecutableAtTime.Add(b.cfg.MaxExecutabilityAge - b.cfg.MinExecutabilityAge))
}

// Hydrate replaces the book's pending orders from persisted records. Boot
// only.
func (b *Book) Hydrate(delayed, limits []Order) {
	b.orders = make(map[string]Order, len(delayed))
	for _, o := range delayed {
		b.orders[o.Account] = o
	}
	b.limits = make(map[uint64]Order, len(limits))
	for _, o := range limits {
		b.limits[o.TokenID] = o
	}
}

// Checkpoint captures the pending orders and returns a function restoring
// them.
func (b *Book) Checkpoint() func() {
	orders := make(map[string]Order, len(b.orders))
	for k, o := range b.orders {
		orders[k] = o
	}
	limits := make(map[uint64]Order, len(b.limits))
	for k, o := range b.limits {
		limits[k] = o
	}
	return func() {
		b.orders = orders
		b.limits = limits
	}
}

// announce escrows the order's collateral and takes the slot.
func (b *Book) announce(o Order, escrow fixedpoint.Value) (Order, error) {
	if o.Account == "" {
		return Order{}, fault.Validation("orders: announce with empty account")
	}
	if existing, ok := b.orders[o.Account]; ok {
		return Order{}, fmt.Errorf("%w: %s pending", ErrOrderExists, existing.Type)
	}
	o.KeeperFee = b.cfg.KeeperFee
	o.ExecutableAtTime = o.AnnouncedAt.Add(b.cfg.MinExecutabilityAge)
	if err := b.coll.Move(o.Account, EscrowAccount, escrow.Add(o.KeeperFee)); err != nil {
		return Order{}, err
	}
	b.orders[o.Account] = o
	return o, nil
}

// AnnounceStableDeposit escrows amount plus the keeper fee and queues a
// deposit.
func (b *Book) AnnounceStableDeposit(account string, amount, minSharesOut fixedpoint.Value, now time.Time) (Order, error) {
	if amount.Sign() <= 0 {
		return Order{}, fault.Validation("orders: deposit amount must be positive")
	}
	if minSharesOut.Sign() < 0 {
		return Order{}, fault.Validation("orders: min shares out must not be negative")
	}
	return b.announce(Order{
		Type:        TypeStableDeposit,
		Account:     account,
		AnnouncedAt: now,
		Amount:      amount,
		MinOut:      minSharesOut,
	}, amount)
}

// AnnounceStableWithdraw escrows the keeper fee and queues a withdrawal
// of shareAmount shares.
func (b *Book) AnnounceStableWithdraw(account string, shareAmount, minAmountOut fixedpoint.Value, now time.Time) (Order, error) {
	if shareAmount.Sign() <= 0 {
		return Order{}, fault.Validation("orders: withdraw share amount must be positive")
	}
	if minAmountOut.Sign() < 0 {
		return Order{}, fault.Validation("orders: min amount out must not be negative")
	}
	return b.announce(Order{
		Type:        TypeStableWithdraw,
		Account:     account,
		AnnouncedAt: now,
		Amount:      shareAmount,
		MinOut:      minAmountOut,
	}, fixedpoint.Zero)
}

// AnnounceLeverageOpen escrows margin plus the keeper fee and queues an
// open.
func (b *Book) AnnounceLeverageOpen(account string, margin, size, maxFillPrice fixedpoint.Value, now time.Time) (Order, error) {
	if margin.Sign() <= 0 || size.Sign() <= 0 {
		return Order{}, fault.Validation("orders: open margin and size must be positive")
	}
	if maxFillPrice.Sign() <= 0 {
		return Order{}, fault.Validation("orders: open max fill price must be positive")
	}
	return b.announce(Order{
		Type:        TypeLeverageOpen,
		Account:     account,
		AnnouncedAt: now,
		Margin:      margin,
		Size:        size,
		PriceBound:  maxFillPrice,
	}, margin)
}

// AnnounceLeverageAdjust escrows any margin top-up plus the keeper fee,
// locks the position, and queues an adjust.
func (b *Book) AnnounceLeverageAdjust(account string, tokenID uint64, marginDelta, sizeDelta, priceBound fixedpoint.Value, now time.Time) (Order, error) {
	if marginDelta.IsZero() && sizeDelta.IsZero() {
		return Order{}, fault.Validation("orders: adjust with no margin or size change")
	}
	if !sizeDelta.IsZero() && priceBound.Sign() <= 0 {
		return Order{}, fault.Validation("orders: adjust price bound must be positive")
	}
	if err := b.checkOwner(account, tokenID); err != nil {
		return Order{}, err
	}
	o, err := b.announce(Order{
		Type:        TypeLeverageAdjust,
		Account:     account,
		AnnouncedAt: now,
		MarginDelta: marginDelta,
		SizeDelta:   sizeDelta,
		PriceBound:  priceBound,
		TokenID:     tokenID,
	}, marginDelta.Max(fixedpoint.Zero))
	if err != nil {
		return Order{}, err
	}
	if err := b.h.Vault().Lock(tokenID, registry.KeyOrderBook); err != nil {
		return Order{}, err
	}
	return o, nil
}

// AnnounceLeverageClose escrows the keeper fee, locks the position, and
// queues a close.
func (b *Book) AnnounceLeverageClose(account string, tokenID uint64, minFillPrice fixedpoint.Value, now time.Time) (Order, error) {
	if minFillPrice.Sign() < 0 {
		return Order{}, fault.Validation("orders: close min fill price must not be negative")
	}
	if err := b.checkOwner(account, tokenID); err != nil {
		return Order{}, err
	}
	o, err := b.announce(Order{
		Type:        TypeLeverageClose,
		Account:     account,
		AnnouncedAt: now,
		PriceBound:  minFillPrice,
		TokenID:     tokenID,
	}, fixedpoint.Zero)
	if err != nil {
		return Order{}, err
	}
	if err := b.h.Vault().Lock(tokenID, registry.KeyOrderBook); err != nil {
		return Order{}, err
	}
	return o, nil
}

// AnnounceLimitClose queues or replaces the limit close for tokenID.
// Replacing updates the thresholds and fee in place without taking a
// second lock.
func (b *Book) AnnounceLimitClose(account string, tokenID uint64, lowerPrice, upperPrice fixedpoint.Value, now time.Time) (Order, error) {
	if lowerPrice.Sign() < 0 || upperPrice.Sign() <= 0 {
		return Order{}, fault.Validation("orders: limit thresholds must not be negative")
	}
	if lowerPrice.Cmp(upperPrice) >= 0 {
		return Order{}, fault.Validation("orders: lower threshold %s must be below upper %s", lowerPrice, upperPrice)
	}
	if err := b.checkOwner(account, tokenID); err != nil {
		return Order{}, err
	}

	o := Order{
		Type:             TypeLimitClose,
		Account:          account,
		KeeperFee:        b.cfg.KeeperFee,
		AnnouncedAt:      now,
		ExecutableAtTime: now.Add(b.cfg.MinExecutabilityAge),
		TokenID:          tokenID,
		LowerPrice:       lowerPrice,
		UpperPrice:       upperPrice,
	}
	if existing, ok := b.limits[tokenID]; ok {
		// Hand back the old fee before taking the new one; the lock from
		// the first announce stays as is.
		if err := b.coll.Move(EscrowAccount, existing.Account, existing.KeeperFee); err != nil {
			return Order{}, err
		}
		if err := b.coll.Move(account, EscrowAccount, o.KeeperFee); err != nil {
			return Order{}, err
		}
		b.limits[tokenID] = o
		return o, nil
	}
	if err := b.coll.Move(account, EscrowAccount, o.KeeperFee); err != nil {
		return Order{}, err
	}
	if err := b.h.Vault().Lock(tokenID, registry.KeyOrderBook); err != nil {
		return Order{}, err
	}
	b.limits[tokenID] = o
	return o, nil
}

func (b *Book) checkOwner(account string, tokenID uint64) error {
	owner, ok := b.nft.OwnerOf(tokenID)
	if !ok {
		return fmt.Errorf("%w: %d", ledger.ErrPositionNotFound, tokenID)
	}
	if owner != account {
		return fault.Validation("orders: %s does not own position %d", account, tokenID)
	}
	return nil
}

// ExecuteOrder executes account's pending delayed order and pays keeper
// from escrow. The oracle price may not predate the announcement.
func (b *Book) ExecuteOrder(account, keeper string, now time.Time) (Result, error) {
	if keeper == "" {
		return Result{}, fault.Validation("orders: empty keeper account")
	}
	o, ok := b.orders[account]
	if !ok {
		return Result{}, fmt.Errorf("%w: account %s", ErrNoOrder, account)
	}
	if now.Before(o.ExecutableAtTime) {
		return Result{}, fmt.Errorf("%w: executable at %s", ErrTooEarly, o.ExecutableAtTime.Format(time.RFC3339))
	}
	if b.Expired(o, now) {
		return Result{}, fmt.Errorf("%w: announced at %s", ErrExpired, o.AnnouncedAt.Format(time.RFC3339))
	}

	reading, err := b.prices.Price(now, now.Sub(o.AnnouncedAt), true)
	if err != nil {
		return Result{}, err
	}
	price := reading.Price
	if err := b.h.Settle(price, now); err != nil {
		return Result{}, err
	}

	res := Result{Order: o, Price: price, TokenID: o.TokenID}
	switch o.Type {
	case TypeStableDeposit:
		if err := b.coll.Move(EscrowAccount, ledger.VaultAccount, o.Amount); err != nil {
			return Result{}, err
		}
		shares, err := b.pool.ExecuteDeposit(o.Account, o.Amount, o.MinOut)
		if err != nil {
			return Result{}, err
		}
		res.Value = shares

	case TypeStableWithdraw:
		payout, err := b.pool.ExecuteWithdraw(o.Account, o.Amount, o.MinOut, price)
		if err != nil {
			return Result{}, err
		}
		res.Value = payout

	case TypeLeverageOpen:
		if err := b.coll.Move(EscrowAccount, ledger.VaultAccount, o.Margin); err != nil {
			return Result{}, err
		}
		tokenID, err := b.posns.ExecuteOpen(o.Account, o.Margin, o.Size, o.PriceBound, price)
		if err != nil {
			return Result{}, err
		}
		res.TokenID = tokenID
		res.Value = o.Margin.Sub(b.posns.TradeFee(o.Size))

	case TypeLeverageAdjust:
		if o.MarginDelta.Sign() > 0 {
			if err := b.coll.Move(EscrowAccount, ledger.VaultAccount, o.MarginDelta); err != nil {
				return Result{}, err
			}
		}
		if err := b.posns.ExecuteAdjust(o.TokenID, o.Account, o.MarginDelta, o.SizeDelta, o.PriceBound, price); err != nil {
			return Result{}, err
		}
		if err := b.h.Vault().Unlock(o.TokenID, registry.KeyOrderBook); err != nil {
			return Result{}, err
		}

	case TypeLeverageClose:
		payout, err := b.posns.ExecuteClose(o.TokenID, o.Account, o.PriceBound, price)
		if err != nil {
			return Result{}, err
		}
		res.Value = payout
		b.resolveLimitAfterClose(o.TokenID)

	default:
		return Result{}, fault.Invariant("orders: unknown order type %s", o.Type)
	}

	if err := b.coll.Move(EscrowAccount, keeper, o.KeeperFee); err != nil {
		return Result{}, err
	}
	delete(b.orders, account)
	return res, nil
}

// resolveLimitAfterClose refunds and drops the limit order of a position
// that no longer exists.
func (b *Book) resolveLimitAfterClose(tokenID uint64) {
	lo, ok := b.limits[tokenID]
	if !ok {
		return
	}
	// Refund to the announcer; the position's deletion already cleared
	// the lock.
	_ = b.coll.Move(EscrowAccount, lo.Account, lo.KeeperFee)
	delete(b.limits, tokenID)
}

// ExecuteLimitOrder executes the limit close for tokenID once the price
// crosses a threshold. Limit orders do not expire; the price is bounded
// by the maximum executability age.
func (b *Book) ExecuteLimitOrder(tokenID uint64, keeper string, now time.Time) (Result, error) {
	if keeper == "" {
		return Result{}, fault.Validation("orders: empty keeper account")
	}
	o, ok := b.limits[tokenID]
	if !ok {
		return Result{}, fmt.Errorf("%w: position %d", ErrNoOrder, tokenID)
	}
	if now.Before(o.ExecutableAtTime) {
		return Result{}, fmt.Errorf("%w: executable at %s", ErrTooEarly, o.ExecutableAtTime.Format(time.RFC3339))
	}

	reading, err := b.prices.Price(now, b.cfg.MaxExecutabilityAge, true)
	if err != nil {
		return Result{}, err
	}
	price := reading.Price

	// Stop side exits at any price; profit side still insists on the
	// threshold as its floor.
	var minFill fixedpoint.Value
	switch {
	case price.Cmp(o.LowerPrice) <= 0:
		minFill = fixedpoint.Zero
	case price.Cmp(o.UpperPrice) >= 0:
		minFill = o.UpperPrice
	default:
		return Result{}, fmt.Errorf("%w: price %s within (%s, %s)", ErrLimitNotReached, price, o.LowerPrice, o.UpperPrice)
	}

	if err := b.h.Settle(price, now); err != nil {
		return Result{}, err
	}
	payout, err := b.posns.ExecuteClose(o.TokenID, o.Account, minFill, price)
	if err != nil {
		return Result{}, err
	}
	if err := b.coll.Move(EscrowAccount, keeper, o.KeeperFee); err != nil {
		return Result{}, err
	}
	delete(b.limits, tokenID)
	return Result{Order: o, Price: price, TokenID: tokenID, Value: payout}, nil
}

// CancelOrder resolves account's pending delayed order, refunding its
// escrow and releasing its locks. The announcer may cancel at any time;
// anyone else only once the order has expired.
func (b *Book) CancelOrder(account, caller string, now time.Time) error {
	o, ok := b.orders[account]
	if !ok {
		return fmt.Errorf("%w: account %s", ErrNoOrder, account)
	}
	if caller != account && !b.Expired(o, now) {
		return fmt.Errorf("%w: executable until %s",
			ErrNotExpired, o.ExecutableAtTime.Add(b.cfg.MaxExecutabilityAge-b.cfg.MinExecutabilityAge).Format(time.RFC3339))
	}

	refund := o.KeeperFee
	switch o.Type {
	case TypeStableDeposit:
		refund = refund.Add(o.Amount)
	case TypeLeverageOpen:
		refund = refund.Add(o.Margin)
	case TypeLeverageAdjust:
		refund = refund.Add(o.MarginDelta.Max(fixedpoint.Zero))
	}
	if err := b.coll.Move(EscrowAccount, o.Account, refund); err != nil {
		return err
	}
	// A liquidation may have deleted the position, and its holds with it,
	// while the order was pending.
	if o.Type == TypeLeverageAdjust || o.Type == TypeLeverageClose {
		if _, alive := b.h.Vault().Position(o.TokenID); alive {
			if err := b.h.Vault().Unlock(o.TokenID, registry.KeyOrderBook); err != nil {
				return err
			}
		}
	}
	delete(b.orders, account)
	return nil
}

// CancelLimitOrder resolves the limit close for tokenID. The announcer
// may cancel while the position lives; once the position is gone the
// order is an orphan and anyone may clean it up.
func (b *Book) CancelLimitOrder(tokenID uint64, caller string, now time.Time) error {
	o, ok := b.limits[tokenID]
	if !ok {
		return fmt.Errorf("%w: position %d", ErrNoOrder, tokenID)
	}
	if _, alive := b.h.Vault().Position(tokenID); alive {
		if caller != o.Account {
			return fault.Validation("orders: only %s may cancel the limit order on %d", o.Account, tokenID)
		}
		if err := b.h.Vault().Unlock(tokenID, registry.KeyOrderBook); err != nil {
			return err
		}
	}
	if err := b.coll.Move(EscrowAccount, o.Account, o.KeeperFee); err != nil {
		return err
	}
	delete(b.limits, tokenID)
	return nil
}
