// Package positions mutates the leveraged side of the vault: opening,
// adjusting, and closing margined long positions.
//
// Every execute assumes the caller already ran the vault's settle prologue
// at the same fill price, so the aggregate is marked to that price and the
// funding index is current before any position math runs. Fees are taken
// from position margin and retained by the stable side.
package positions

import (
	"fmt"

	"github.com/syntha/margin-engine/internal/fault"
	"github.com/syntha/margin-engine/internal/fixedpoint"
	"github.com/syntha/margin-engine/internal/ledger"
	"github.com/syntha/margin-engine/internal/token"
)

// ErrSlippage is returned when the fill price lands beyond the caller's
// bound.
var ErrSlippage = fault.EconomicLimit("positions: fill price beyond slippage bound")

// ErrLeverageBounds is returned when size/margin leaves [leverageMin,
// leverageMax].
var ErrLeverageBounds = fault.EconomicLimit("positions: leverage out of bounds")

// ErrMarginTooSmall is returned when a position would be left with less
// than the minimum margin.
var ErrMarginTooSmall = fault.EconomicLimit("positions: margin below minimum")

// ErrMarginForFees is returned when a close cannot cover its fees out of
// the settled margin. Positions in that state are liquidation territory.
var ErrMarginForFees = fault.EconomicLimit("positions: settled margin cannot cover fees")

// Config carries the owner-controlled position bounds. MarginMin must be
// positive.
type Config struct {
	LeverageMin   fixedpoint.Value
	LeverageMax   fixedpoint.Value
	MarginMin     fixedpoint.Value
	TradeFeeRatio fixedpoint.Value
}

// Book executes position mutations against the vault through its
// capability handle and keeps the position tokens in step.
type Book struct {
	cfg Config
	h   *ledger.Handle
	nft *token.PositionNFT
}

// NewBook returns a position book over the given vault handle and token.
func NewBook(cfg Config, h *ledger.Handle, nft *token.PositionNFT) *Book {
	return &Book{cfg: cfg, h: h, nft: nft}
}

// TradeFee returns the fee charged on a fill of the given size.
func (b *Book) TradeFee(size fixedpoint.Value) fixedpoint.Value {
	return size.Abs().Mul(b.cfg.TradeFeeRatio)
}

// checkMarginAndLeverage enforces the margin floor first, then the
// leverage band, so an undersized margin reports as ErrMarginTooSmall
// rather than as an absurd leverage.
func (b *Book) checkMarginAndLeverage(size, margin fixedpoint.Value) error {
	if margin.Cmp(b.cfg.MarginMin) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrMarginTooSmall, margin, b.cfg.MarginMin)
	}
	leverage := size.Div(margin)
	if leverage.Cmp(b.cfg.LeverageMin) < 0 || leverage.Cmp(b.cfg.LeverageMax) > 0 {
		return fmt.Errorf("%w: %s outside [%s, %s]",
			ErrLeverageBounds, leverage, b.cfg.LeverageMin, b.cfg.LeverageMax)
	}
	return nil
}

// ExecuteOpen opens a position for owner at fillPrice and returns its
// token id. margin is the announced amount; the trade fee comes out of it
// before the bounds are checked.
func (b *Book) ExecuteOpen(owner string, margin, size, maxFillPrice, fillPrice fixedpoint.Value) (uint64, error) {
	if owner == "" {
		return 0, fault.Validation("positions: open with empty owner")
	}
	if margin.Sign() <= 0 || size.Sign() <= 0 || fillPrice.Sign() <= 0 {
		return 0, fault.Validation("positions: open margin, size and fill price must be positive")
	}
	if fillPrice.Cmp(maxFillPrice) > 0 {
		return 0, fmt.Errorf("%w: fill %s > max %s", ErrSlippage, fillPrice, maxFillPrice)
	}

	fee := b.TradeFee(size)
	posMargin := margin.Sub(fee)
	if err := b.checkMarginAndLeverage(size, posMargin); err != nil {
		return 0, err
	}
	v := b.h.Vault()
	if err := v.CheckSkewMax(fillPrice, size, fixedpoint.Zero); err != nil {
		return 0, err
	}

	tokenID, err := b.nft.Mint(owner)
	if err != nil {
		return 0, err
	}
	p := ledger.Position{
		TokenID:                tokenID,
		EntryPrice:             fillPrice,
		MarginDeposited:        posMargin,
		AdditionalSize:         size,
		EntryCumulativeFunding: v.Funding().CumulativeIndex,
	}
	if err := b.h.SetPosition(p); err != nil {
		return 0, err
	}
	if err := b.h.UpdateGlobalPositionData(fillPrice, posMargin, size, size.Div(fillPrice)); err != nil {
		return 0, err
	}
	if err := b.h.UpdateStableCollateralTotal(fee); err != nil {
		return 0, err
	}
	return tokenID, nil
}

// ExecuteAdjust applies a margin and/or size delta to an open position at
// fillPrice. priceBound caps the fill on a size increase and floors it on
// a decrease; it is ignored when sizeDelta is zero. Accrued funding, and
// the PnL of any closed portion, settle into margin; on a size increase
// the entry price becomes the size-weighted average in notional terms, so
// the unrealized PnL of the existing portion is preserved exactly. A
// negative marginDelta is paid out to owner after the books are updated.
func (b *Book) ExecuteAdjust(tokenID uint64, owner string, marginDelta, sizeDelta, priceBound, fillPrice fixedpoint.Value) error {
	if marginDelta.IsZero() && sizeDelta.IsZero() {
		return fault.Validation("positions: adjust with no margin or size change")
	}
	if fillPrice.Sign() <= 0 {
		return fault.Validation("positions: adjust fill price must be positive")
	}
	v := b.h.Vault()
	p, ok := v.Position(tokenID)
	if !ok {
		return fmt.Errorf("%w: %d", ledger.ErrPositionNotFound, tokenID)
	}
	switch {
	case sizeDelta.Sign() > 0 && fillPrice.Cmp(priceBound) > 0:
		return fmt.Errorf("%w: fill %s > max %s", ErrSlippage, fillPrice, priceBound)
	case sizeDelta.Sign() < 0 && fillPrice.Cmp(priceBound) < 0:
		return fmt.Errorf("%w: fill %s < min %s", ErrSlippage, fillPrice, priceBound)
	}

	newSize := p.AdditionalSize.Add(sizeDelta)
	if newSize.Sign() <= 0 {
		return fault.Validation("positions: adjust would empty the position; close it instead")
	}

	index := v.Funding().CumulativeIndex
	accrued := p.AccruedFunding(index)
	closedPnL := fixedpoint.Zero
	if sizeDelta.Sign() < 0 {
		closedPnL = sizeDelta.Neg().MulDiv(fillPrice.Sub(p.EntryPrice), p.EntryPrice)
	}
	fee := b.TradeFee(sizeDelta)
	newMargin := p.MarginDeposited.Add(marginDelta).Add(accrued).Add(closedPnL).Sub(fee)
	if err := b.checkMarginAndLeverage(newSize, newMargin); err != nil {
		return err
	}
	if sizeDelta.Sign() > 0 {
		if err := v.CheckSkewMax(fillPrice, sizeDelta, fixedpoint.Zero); err != nil {
			return err
		}
	}

	perEntryBefore := p.AdditionalSize.Div(p.EntryPrice)
	newEntry := p.EntryPrice
	if sizeDelta.Sign() > 0 {
		newEntry = newSize.Div(perEntryBefore.Add(sizeDelta.Div(fillPrice)))
	}

	p.EntryPrice = newEntry
	p.MarginDeposited = newMargin
	p.AdditionalSize = newSize
	p.EntryCumulativeFunding = index
	if err := b.h.SetPosition(p); err != nil {
		return err
	}
	perEntryDelta := newSize.Div(newEntry).Sub(perEntryBefore)
	if err := b.h.UpdateGlobalPositionData(fillPrice, marginDelta.Sub(fee), sizeDelta, perEntryDelta); err != nil {
		return err
	}
	if err := b.h.UpdateStableCollateralTotal(fee); err != nil {
		return err
	}
	if marginDelta.Sign() < 0 {
		if err := b.h.SendCollateral(owner, marginDelta.Neg()); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteClose settles a position at fillPrice, pays the remaining margin
// minus the trade fee to owner, and removes the position and its token.
// It returns the payout.
func (b *Book) ExecuteClose(tokenID uint64, owner string, minFillPrice, fillPrice fixedpoint.Value) (fixedpoint.Value, error) {
	if fillPrice.Sign() <= 0 {
		return fixedpoint.Zero, fault.Validation("positions: close fill price must be positive")
	}
	v := b.h.Vault()
	p, ok := v.Position(tokenID)
	if !ok {
		return fixedpoint.Zero, fmt.Errorf("%w: %d", ledger.ErrPositionNotFound, tokenID)
	}
	if fillPrice.Cmp(minFillPrice) < 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: fill %s < min %s", ErrSlippage, fillPrice, minFillPrice)
	}

	index := v.Funding().CumulativeIndex
	settledMargin := p.MarginAfterSettlement(fillPrice, index)
	fee := b.TradeFee(p.AdditionalSize)
	if settledMargin.Cmp(fee) < 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: settled margin %s, fees %s", ErrMarginForFees, settledMargin, fee)
	}
	payout := settledMargin.Sub(fee)

	perEntry := p.AdditionalSize.Div(p.EntryPrice)
	if err := b.h.UpdateGlobalPositionData(fillPrice, settledMargin.Neg(), p.AdditionalSize.Neg(), perEntry.Neg()); err != nil {
		return fixedpoint.Zero, err
	}
	if err := b.h.UpdateStableCollateralTotal(fee); err != nil {
		return fixedpoint.Zero, err
	}
	if err := b.h.DeletePosition(tokenID); err != nil {
		return fixedpoint.Zero, err
	}
	if err := b.nft.Burn(tokenID); err != nil {
		return fixedpoint.Zero, err
	}
	if err := b.h.SendCollateral(owner, payout); err != nil {
		return fixedpoint.Zero, err
	}
	return payout, nil
}
