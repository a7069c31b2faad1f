// Package oracle serves the validated collateral unit price from two
// independent sources:
//
//   - a push source: an operator-posted reference feed, read on every
//     request;
//   - a pull source: updated on demand by anyone who submits an update
//     payload and pays the update fee.
//
// The push source is load-bearing: a stale or invalid push round fails the
// whole read. The pull source is best-effort: invalid samples are ignored,
// and a valid sample wins when its publish time is at least as new as the
// push round. Callers bound the winning sample's age per read.
package oracle

import (
	"fmt"
	"time"

	"github.com/syntha/margin-engine/internal/fault"
	"github.com/syntha/margin-engine/internal/fixedpoint"
)

// FeeAccount collects pull-source update fees.
const FeeAccount = "oracle-fees"

// ErrPriceStale is returned when the selected price is older than the
// caller's bound, or the push round older than its configured max age.
var ErrPriceStale = fault.Oracle("oracle: price stale")

// ErrPriceInvalid is returned when the push source is unreadable or
// reports a non-positive price.
var ErrPriceInvalid = fault.Oracle("oracle: price invalid")

// ErrPriceMismatch is returned when both sources are valid but disagree
// beyond maxDiffPercent.
var ErrPriceMismatch = fault.Oracle("oracle: cross-source price mismatch")

// Payer is the slice of the collateral token the oracle needs to collect
// update fees and refund excess payments.
type Payer interface {
	Move(from, to string, amount fixedpoint.Value) error
}

// Config carries the owner-controlled oracle bounds.
type Config struct {
	// PushMaxAge is the push source's own staleness bound, enforced on
	// every read regardless of the caller's bound.
	PushMaxAge time.Duration

	// PullMaxAge bounds the pull sample age; older samples are ignored.
	PullMaxAge time.Duration

	// MinConfidenceRatio is the lowest acceptable price/confidence ratio
	// for a pull sample. Samples below it are ignored.
	MinConfidenceRatio fixedpoint.Value

	// MaxDiffPercent bounds the relative deviation between the two sources
	// when both are valid and the caller asks for the check.
	MaxDiffPercent fixedpoint.Value

	// UpdateFee is the flat fee collected per pull-source update.
	UpdateFee fixedpoint.Value
}

// Oracle selects the freshest valid price from the two sources.
type Oracle struct {
	cfg  Config
	push PushSource
	pull PullSource
	pay  Payer
}

// New returns an oracle over the given sources.
func New(cfg Config, push PushSource, pull PullSource, pay Payer) *Oracle {
	return &Oracle{cfg: cfg, push: push, pull: pull, pay: pay}
}

// UpdateFee returns the flat fee required per pull-source update.
func (o *Oracle) UpdateFee() fixedpoint.Value { return o.cfg.UpdateFee }

// Price returns the freshest valid price and its timestamp.
//
// The push round must be readable, positive, and within PushMaxAge. The
// pull sample is considered only if readable, positive, carrying a negative
// exponent, within PullMaxAge, and confident enough. With both valid and
// diffCheck set, the sources must agree within MaxDiffPercent. The winner
// is the source with the newer timestamp (the pull sample wins ties), and
// its timestamp must satisfy timestamp + maxAge >= now.
func (o *Oracle) Price(now time.Time, maxAge time.Duration, diffCheck bool) (Reading, error) {
	push, err := o.push.LatestRound()
	if err != nil {
		return Reading{}, fmt.Errorf("%w: push source: %v", ErrPriceInvalid, err)
	}
	if now.Sub(push.Timestamp) > o.cfg.PushMaxAge {
		return Reading{}, fmt.Errorf("%w: push round from %s exceeds max age %s",
			ErrPriceStale, push.Timestamp.Format(time.RFC3339), o.cfg.PushMaxAge)
	}
	if push.Price.Sign() <= 0 {
		return Reading{}, fmt.Errorf("%w: push price %s", ErrPriceInvalid, push.Price)
	}

	best := push
	if pull, err := o.pull.LatestPrice(); err == nil && o.usable(pull, now) {
		if diffCheck {
			if err := o.checkDeviation(push.Price, pull.Price); err != nil {
				return Reading{}, err
			}
		}
		if !pull.PublishTime.Before(push.Timestamp) {
			best = Reading{Price: pull.Price, Timestamp: pull.PublishTime}
		}
	}

	if best.Timestamp.Add(maxAge).Before(now) {
		return Reading{}, fmt.Errorf("%w: freshest price from %s exceeds caller bound %s",
			ErrPriceStale, best.Timestamp.Format(time.RFC3339), maxAge)
	}
	return best, nil
}

// usable reports whether a pull sample may participate in selection.
func (o *Oracle) usable(pull PullReading, now time.Time) bool {
	if pull.Price.Sign() <= 0 || pull.Exponent >= 0 {
		return false
	}
	if now.Sub(pull.PublishTime) > o.cfg.PullMaxAge {
		return false
	}
	if pull.Confidence.Sign() > 0 {
		if pull.Price.Div(pull.Confidence).Cmp(o.cfg.MinConfidenceRatio) < 0 {
			return false
		}
	}
	return true
}

// checkDeviation requires |push-pull| / min(push,pull) <= maxDiffPercent.
func (o *Oracle) checkDeviation(push, pull fixedpoint.Value) error {
	diff := push.Sub(pull).Abs()
	base := push.Min(pull)
	if diff.Div(base).Cmp(o.cfg.MaxDiffPercent) > 0 {
		return fmt.Errorf("%w: push %s vs pull %s beyond %s",
			ErrPriceMismatch, push, pull, o.cfg.MaxDiffPercent)
	}
	return nil
}

// UpdatePullPrice applies a pull-source update payload on behalf of
// submitter, collects the update fee, and refunds any excess payment. The
// feed state is final before any collateral moves.
func (o *Oracle) UpdatePullPrice(submitter string, payload []byte, payment fixedpoint.Value) error {
	u, err := ParseUpdate(payload)
	if err != nil {
		return err
	}
	if payment.Cmp(o.cfg.UpdateFee) < 0 {
		return fault.Validation("oracle: payment %s below update fee %s", payment, o.cfg.UpdateFee)
	}
	if err := o.pull.ApplyUpdate(u); err != nil {
		return err
	}
	if err := o.pay.Move(submitter, FeeAccount, payment); err != nil {
		return fmt.Errorf("oracle: collect update fee: %w", err)
	}
	if excess := payment.Sub(o.cfg.UpdateFee); excess.Sign() > 0 {
		if err := o.pay.Move(FeeAccount, submitter, excess); err != nil {
			return fmt.Errorf("oracle: refund excess payment: %w", err)
		}
	}
	return nil
}
