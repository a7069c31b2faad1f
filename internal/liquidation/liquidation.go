// Package liquidation force-closes positions whose settled margin no
// longer covers the maintenance requirement.
//
// Anyone may call; the caller earns the liquidation fee, clamped to USD
// bounds and never more than the margin the position has left. Whatever
// remains after the fee, including a negative remainder when the position
// is underwater, goes to the stable side.
package liquidation

import (
	"fmt"
	"time"

	"github.com/syntha/margin-engine/internal/fault"
	"github.com/syntha/margin-engine/internal/fixedpoint"
	"github.com/syntha/margin-engine/internal/ledger"
	"github.com/syntha/margin-engine/internal/oracle"
	"github.com/syntha/margin-engine/internal/token"
)

// ErrNotLiquidatable is returned when the position still covers its
// maintenance margin.
var ErrNotLiquidatable = fault.State("liquidation: position covers maintenance margin")

// PriceSource is the slice of the oracle the engine needs.
type PriceSource interface {
	Price(now time.Time, maxAge time.Duration, diffCheck bool) (oracle.Reading, error)
}

// Config carries the owner-controlled liquidation parameters. The fee
// bounds are USD-denominated; the fee converts to collateral at the
// liquidation price.
type Config struct {
	BufferRatio   fixedpoint.Value
	FeeRatio      fixedpoint.Value
	FeeLowerBound fixedpoint.Value
	FeeUpperBound fixedpoint.Value
	MaxPriceAge   time.Duration
}

// Result describes one executed liquidation.
type Result struct {
	TokenID   uint64
	Price     fixedpoint.Value
	Fee       fixedpoint.Value
	Remainder fixedpoint.Value
}

// Engine liquidates positions against the vault through its capability
// handle.
type Engine struct {
	cfg    Config
	h      *ledger.Handle
	nft    *token.PositionNFT
	prices PriceSource
}

// NewEngine returns a liquidation engine over the given vault handle.
func NewEngine(cfg Config, h *ledger.Handle, nft *token.PositionNFT, prices PriceSource) *Engine {
	return &Engine{cfg: cfg, h: h, nft: nft, prices: prices}
}

// Fee returns the liquidation fee, in collateral units, for a position of
// the given size at price: clamp(size*price*feeRatio, lower, upper) USD,
// divided by price.
func (e *Engine) Fee(size, price fixedpoint.Value) fixedpoint.Value {
	usd := size.Mul(price).Mul(e.cfg.FeeRatio)
	return usd.Clamp(e.cfg.FeeLowerBound, e.cfg.FeeUpperBound).Div(price)
}

// MaintenanceMargin returns the margin a position of the given size must
// hold at price to avoid liquidation: the buffer plus the fee a
// liquidation would cost.
func (e *Engine) MaintenanceMargin(size, price fixedpoint.Value) fixedpoint.Value {
	return size.Mul(e.cfg.BufferRatio).Add(e.Fee(size, price))
}

// liquidatable applies the margin test at one (price, index) point.
func (e *Engine) liquidatable(p ledger.Position, price, index fixedpoint.Value) bool {
	settled := p.MarginAfterSettlement(price, index)
	return settled.Cmp(e.MaintenanceMargin(p.AdditionalSize, price)) <= 0
}

// CanLiquidate reports whether the position is liquidatable at the current
// oracle price, with funding projected to now. It agrees exactly with what
// Liquidate would decide at the same instant.
func (e *Engine) CanLiquidate(tokenID uint64, now time.Time) (bool, error) {
	v := e.h.Vault()
	p, ok := v.Position(tokenID)
	if !ok {
		return false, fmt.Errorf("%w: %d", ledger.ErrPositionNotFound, tokenID)
	}
	reading, err := e.prices.Price(now, e.cfg.MaxPriceAge, true)
	if err != nil {
		return false, err
	}
	return e.liquidatable(p, reading.Price, v.ProjectedIndex(now)), nil
}

// Liquidate closes the position at the current oracle price, pays the fee
// to keeper, and hands the remainder to the stable side. A second call on
// the same id fails with the position-not-found state error.
func (e *Engine) Liquidate(tokenID uint64, keeper string, now time.Time) (Result, error) {
	if keeper == "" {
		return Result{}, fault.Validation("liquidation: empty keeper account")
	}
	v := e.h.Vault()
	p, ok := v.Position(tokenID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %d", ledger.ErrPositionNotFound, tokenID)
	}

	reading, err := e.prices.Price(now, e.cfg.MaxPriceAge, true)
	if err != nil {
		return Result{}, err
	}
	price := reading.Price
	if err := e.h.Settle(price, now); err != nil {
		return Result{}, err
	}

	index := v.Funding().CumulativeIndex
	if !e.liquidatable(p, price, index) {
		return Result{}, fmt.Errorf("%w: %d at price %s", ErrNotLiquidatable, tokenID, price)
	}

	settled := p.MarginAfterSettlement(price, index)
	fee := e.Fee(p.AdditionalSize, price).Min(settled.Max(fixedpoint.Zero))
	remainder := settled.Sub(fee)

	perEntry := p.AdditionalSize.Div(p.EntryPrice)
	if err := e.h.UpdateGlobalPositionData(price, settled.Neg(), p.AdditionalSize.Neg(), perEntry.Neg()); err != nil {
		return Result{}, err
	}
	if err := e.h.UpdateStableCollateralTotal(remainder); err != nil {
		return Result{}, err
	}
	if err := e.h.DeletePosition(tokenID); err != nil {
		return Result{}, err
	}
	if err := e.nft.Burn(tokenID); err != nil {
		return Result{}, err
	}
	if err := e.h.SendCollateral(keeper, fee); err != nil {
		return Result{}, err
	}
	return Result{TokenID: tokenID, Price: price, Fee: fee, Remainder: remainder}, nil
}
