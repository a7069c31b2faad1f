package ledger

import (
	"fmt"
	"time"

	"github.com/syntha/margin-engine/internal/fault"
	"github.com/syntha/margin-engine/internal/fixedpoint"
)

// ErrSkewExceeded is returned when an operation would push the skew
// fraction above the configured maximum.
var ErrSkewExceeded = fault.EconomicLimit("ledger: skew fraction exceeds maximum")

// msPerDay normalizes elapsed time for the per-day velocity bound.
const msPerDay = 86_400_000

// integrateFunding computes the rate at now and the index delta for the
// interval since the last settle, without mutating state. The velocity is
// constant over the interval: skew inputs only change at settles.
func (v *Vault) integrateFunding(now time.Time) (rateAfter, delta fixedpoint.Value) {
	elapsed := now.Sub(v.funding.LastRecomputedTime)
	if elapsed <= 0 {
		return v.funding.LastFundingRate, fixedpoint.Zero
	}
	days := fixedpoint.FromInt64(elapsed.Milliseconds()).Div(fixedpoint.FromInt64(msPerDay))

	velocity := v.cfg.MaxFundingVelocity.Mul(v.proportionalSkew())
	rateBefore := v.funding.LastFundingRate
	rateAfter = rateBefore.Add(velocity.Mul(days))

	// Trapezoidal integration of the rate; the index moves opposite the
	// rate so a long's accrual size*Δindex is negative while longs pay.
	delta = rateBefore.Add(rateAfter).Div(fixedpoint.Two).Mul(days).Neg()
	return rateAfter, delta
}

// SettleFundingFees integrates the funding rate over the interval since the
// last settle, advances the cumulative index, and moves the accrued amount
// between the stable side and the aggregate long side. It returns the index
// delta. Every execute path runs this before any skew-sensitive check or
// position mutation.
func (v *Vault) SettleFundingFees(now time.Time) fixedpoint.Value {
	rateAfter, delta := v.integrateFunding(now)
	v.funding.CumulativeIndex = v.funding.CumulativeIndex.Add(delta)
	v.funding.LastFundingRate = rateAfter
	if now.After(v.funding.LastRecomputedTime) {
		v.funding.LastRecomputedTime = now
	}

	if delta.IsZero() || v.global.SizeOpenedTotal.Sign() <= 0 {
		return delta
	}

	// One raw unit is rounded off the long side so the stable side is never
	// under-distributed; the dust is a documented design choice.
	accrued := v.global.SizeOpenedTotal.Mul(delta).AddUnits(-1)
	v.global.MarginDepositedTotal = v.global.MarginDepositedTotal.Add(accrued)
	v.stableCollateralTotal = v.stableCollateralTotal.Sub(accrued)
	v.global.LastFundingEntry = v.funding.CumulativeIndex
	return delta
}

// CurrentFundingRate projects the instantaneous rate at now without
// settling.
func (v *Vault) CurrentFundingRate(now time.Time) fixedpoint.Value {
	rateAfter, _ := v.integrateFunding(now)
	return rateAfter
}

// ProjectedIndex returns the cumulative funding index as a settle at now
// would leave it, without settling.
func (v *Vault) ProjectedIndex(now time.Time) fixedpoint.Value {
	_, delta := v.integrateFunding(now)
	return v.funding.CumulativeIndex.Add(delta)
}

// proportionalSkew is skewFraction/maxVelocitySkew clamped to [-1, 1],
// evaluated at the last marked price: sizes and stable totals only change
// at marks, so the rate between settles is constant in that state.
func (v *Vault) proportionalSkew() fixedpoint.Value {
	if v.stableCollateralTotal.Sign() <= 0 {
		if v.global.SizeOpenedTotal.Sign() > 0 {
			return fixedpoint.One
		}
		return fixedpoint.Zero
	}
	if v.global.LastPrice.IsZero() && v.global.SizeOpenedTotal.Sign() > 0 {
		return fixedpoint.Zero
	}
	prop := v.skewFraction(v.global.LastPrice).Div(v.cfg.MaxVelocitySkew)
	return prop.Clamp(fixedpoint.One.Neg(), fixedpoint.One)
}

// skewFraction requires stableCollateralTotal > 0.
func (v *Vault) skewFraction(price fixedpoint.Value) fixedpoint.Value {
	notional := v.global.SizeOpenedTotal.Mul(price)
	return notional.Sub(v.stableCollateralTotal).Div(v.stableCollateralTotal)
}

// SkewFraction returns (sizeOpenedTotal*price - stableCollateralTotal) /
// stableCollateralTotal. With no stable collateral the fraction is
// undefined while longs are open, and zero on an empty book.
func (v *Vault) SkewFraction(price fixedpoint.Value) (fixedpoint.Value, error) {
	if v.stableCollateralTotal.Sign() <= 0 {
		if v.global.SizeOpenedTotal.Sign() > 0 {
			return fixedpoint.Zero, fault.State("ledger: skew undefined without stable collateral")
		}
		return fixedpoint.Zero, nil
	}
	return v.skewFraction(price), nil
}

// CheckSkewMax verifies the skew fraction stays within skewFractionMax
// after applying sizeDelta to the aggregate size and stableDelta to the
// stable side, both priced at price.
func (v *Vault) CheckSkewMax(price, sizeDelta, stableDelta fixedpoint.Value) error {
	sizeAfter := v.global.SizeOpenedTotal.Add(sizeDelta)
	stableAfter := v.stableCollateralTotal.Add(stableDelta)
	if stableAfter.Sign() <= 0 {
		if sizeAfter.Sign() > 0 {
			return fmt.Errorf("%w: no stable collateral against open size", ErrSkewExceeded)
		}
		return nil
	}
	skew := sizeAfter.Mul(price).Sub(stableAfter).Div(stableAfter)
	if skew.Cmp(v.cfg.SkewFractionMax) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrSkewExceeded, skew, v.cfg.SkewFractionMax)
	}
	return nil
}

// CollateralPerShare is the stable-pool share price:
// stableCollateralTotal/totalShares, defined as 1 when no shares exist and
// floored at 0 if the stable side is depleted.
func (v *Vault) CollateralPerShare(totalShares fixedpoint.Value) fixedpoint.Value {
	if totalShares.Sign() <= 0 {
		return fixedpoint.One
	}
	if v.stableCollateralTotal.Sign() <= 0 {
		return fixedpoint.Zero
	}
	return v.stableCollateralTotal.Div(totalShares)
}

// Settle is the execute-path prologue: funding first, then a mark of the
// aggregate to price, so every later read in the operation sees one
// consistent (price, index) point.
func (h *Handle) Settle(price fixedpoint.Value, now time.Time) error {
	h.v.SettleFundingFees(now)
	return h.UpdateGlobalPositionData(price, fixedpoint.Zero, fixedpoint.Zero, fixedpoint.Zero)
}
