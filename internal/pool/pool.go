// Package pool mutates the stable side of the vault: minting and burning
// liquidity shares against deposits and withdrawals of collateral.
//
// Share pricing uses the vault's collateral-per-share at the moment of the
// operation, with floor rounding in the pool's favor, so the per-share
// value never decreases across a deposit or withdrawal beyond the charged
// fee. Each operation re-checks that after its mutations and fails with an
// invariant fault if it does not hold. The withdraw fee stays in the pool;
// it is waived when a withdrawal empties the pool, since nobody remains to
// earn it.
package pool

import (
	"fmt"

	"github.com/syntha/margin-engine/internal/fault"
	"github.com/syntha/margin-engine/internal/fixedpoint"
	"github.com/syntha/margin-engine/internal/ledger"
	"github.com/syntha/margin-engine/internal/token"
)

// ErrSlippage is returned when the minted shares or withdrawn amount land
// under the caller's bound.
var ErrSlippage = fault.EconomicLimit("pool: output below slippage bound")

// ErrCapExceeded is returned when a deposit would push the stable side
// over the configured cap.
var ErrCapExceeded = fault.EconomicLimit("pool: stable collateral cap exceeded")

// ErrDepositTooSmall is returned for deposits under the configured
// minimum.
var ErrDepositTooSmall = fault.EconomicLimit("pool: deposit below minimum")

// Config carries the owner-controlled pool parameters.
type Config struct {
	WithdrawFeeRatio fixedpoint.Value
	MinDeposit       fixedpoint.Value
}

// Pool executes stable deposits and withdrawals against the vault through
// its capability handle, minting and burning shares in step.
type Pool struct {
	cfg    Config
	h      *ledger.Handle
	shares *token.Bank
}

// NewPool returns a pool over the given vault handle and share token.
func NewPool(cfg Config, h *ledger.Handle, shares *token.Bank) *Pool {
	return &Pool{cfg: cfg, h: h, shares: shares}
}

// SharePrice returns the current collateral value of one share.
func (p *Pool) SharePrice() fixedpoint.Value {
	return p.h.Vault().CollateralPerShare(p.shares.TotalSupply())
}

// ExecuteDeposit mints shares to depositor for amount of collateral and
// returns the share count. The caller has already moved the collateral
// into the vault account.
func (p *Pool) ExecuteDeposit(depositor string, amount, minSharesOut fixedpoint.Value) (fixedpoint.Value, error) {
	if depositor == "" {
		return fixedpoint.Zero, fault.Validation("pool: deposit with empty account")
	}
	if amount.Sign() <= 0 {
		return fixedpoint.Zero, fault.Validation("pool: deposit amount must be positive")
	}
	if amount.Cmp(p.cfg.MinDeposit) < 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: %s < %s", ErrDepositTooSmall, amount, p.cfg.MinDeposit)
	}
	v := p.h.Vault()
	if after := v.StableCollateralTotal().Add(amount); after.Cmp(v.Cfg().StableCollateralCap) > 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: %s > %s", ErrCapExceeded, after, v.Cfg().StableCollateralCap)
	}

	perShare := v.CollateralPerShare(p.shares.TotalSupply())
	if perShare.Sign() <= 0 {
		return fixedpoint.Zero, fault.State("pool: share price collapsed; deposits disabled")
	}
	sharesOut := amount.Div(perShare)
	if sharesOut.Cmp(minSharesOut) < 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: %s shares < %s", ErrSlippage, sharesOut, minSharesOut)
	}

	if err := p.shares.Mint(depositor, sharesOut); err != nil {
		return fixedpoint.Zero, err
	}
	if err := p.h.UpdateStableCollateralTotal(amount); err != nil {
		return fixedpoint.Zero, err
	}
	if err := p.checkSharePrice("deposit", perShare); err != nil {
		return fixedpoint.Zero, err
	}
	return sharesOut, nil
}

// ExecuteWithdraw burns shareAmount of owner's shares and pays out their
// collateral value minus the withdraw fee, checking the post-withdrawal
// skew at price. It returns the payout.
func (p *Pool) ExecuteWithdraw(owner string, shareAmount, minAmountOut, price fixedpoint.Value) (fixedpoint.Value, error) {
	if owner == "" {
		return fixedpoint.Zero, fault.Validation("pool: withdraw with empty account")
	}
	if shareAmount.Sign() <= 0 {
		return fixedpoint.Zero, fault.Validation("pool: withdraw share amount must be positive")
	}
	if p.shares.BalanceOf(owner).Cmp(shareAmount) < 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: %s shares held", token.ErrInsufficientBalance, p.shares.BalanceOf(owner))
	}

	v := p.h.Vault()
	supply := p.shares.TotalSupply()
	perShare := v.CollateralPerShare(supply)
	amount := shareAmount.Mul(perShare)

	fee := amount.Mul(p.cfg.WithdrawFeeRatio)
	if supply.Sub(shareAmount).IsZero() {
		fee = fixedpoint.Zero
	}
	payout := amount.Sub(fee)
	if err := v.CheckSkewMax(price, fixedpoint.Zero, payout.Neg()); err != nil {
		return fixedpoint.Zero, err
	}
	if payout.Cmp(minAmountOut) < 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: %s < %s", ErrSlippage, payout, minAmountOut)
	}

	if err := p.shares.Burn(owner, shareAmount); err != nil {
		return fixedpoint.Zero, err
	}
	if err := p.h.UpdateStableCollateralTotal(payout.Neg()); err != nil {
		return fixedpoint.Zero, err
	}
	if err := p.checkSharePrice("withdraw", perShare); err != nil {
		return fixedpoint.Zero, err
	}
	if err := p.h.SendCollateral(owner, payout); err != nil {
		return fixedpoint.Zero, err
	}
	return payout, nil
}

// checkSharePrice verifies the per-share value did not fall across the
// operation, beyond one unit of floor rounding. An emptied pool resets
// to par, so the comparison is skipped at zero supply.
func (p *Pool) checkSharePrice(op string, before fixedpoint.Value) error {
	supply := p.shares.TotalSupply()
	if supply.IsZero() {
		return nil
	}
	after := p.h.Vault().CollateralPerShare(supply)
	if after.AddUnits(1).Cmp(before) < 0 {
		return fault.Invariant("pool: per-share fell across %s: %s -> %s", op, before, after)
	}
	return nil
}
