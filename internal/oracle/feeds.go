package oracle

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/syntha/margin-engine/internal/fault"
	"github.com/syntha/margin-engine/internal/fixedpoint"
)

// Reading is one sample from the push source.
type Reading struct {
	Price     fixedpoint.Value
	Timestamp time.Time
}

// PullReading is one verified sample from the pull source.
type PullReading struct {
	Price       fixedpoint.Value
	Confidence  fixedpoint.Value
	Exponent    int32
	PublishTime time.Time
}

// PushSource is the always-on reference feed.
type PushSource interface {
	LatestRound() (Reading, error)
}

// PullSource is the on-demand feed driven by submitted update payloads.
type PullSource interface {
	LatestPrice() (PullReading, error)
	ApplyUpdate(u PriceUpdate) error
}

// ErrNoData is returned by a feed that has not received a price yet.
var ErrNoData = fault.Oracle("oracle: no price data")

// PriceUpdate is the wire form of a pull-source update, mirroring the
// Hermes price-service response for a single feed.
type PriceUpdate struct {
	ID    string      `json:"id"`
	Price PriceRecord `json:"price"`
}

// PriceRecord carries the fixed-exponent integer encoding used by the
// price service: value = price * 10^expo.
type PriceRecord struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// ParseUpdate decodes and sanity-checks an update payload.
func ParseUpdate(payload []byte) (PriceUpdate, error) {
	var u PriceUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return PriceUpdate{}, fault.Validation("oracle: malformed update payload: %v", err)
	}
	if u.ID == "" {
		return PriceUpdate{}, fault.Validation("oracle: update payload missing feed id")
	}
	if u.Price.PublishTime <= 0 {
		return PriceUpdate{}, fault.Validation("oracle: update payload missing publish time")
	}
	if _, err := strconv.ParseInt(u.Price.Price, 10, 64); err != nil {
		return PriceUpdate{}, fault.Validation("oracle: update payload price %q not an integer", u.Price.Price)
	}
	if _, err := strconv.ParseUint(u.Price.Conf, 10, 63); err != nil {
		return PriceUpdate{}, fault.Validation("oracle: update payload conf %q not an unsigned integer", u.Price.Conf)
	}
	return u, nil
}

// PushFeed is the in-memory push source: an operator posts rounds and the
// feed serves the latest. It stores what it is given; validation is the
// oracle's job.
type PushFeed struct {
	latest Reading
	posted bool
}

// NewPushFeed returns an empty push feed.
func NewPushFeed() *PushFeed { return &PushFeed{} }

// Post records a new round.
func (f *PushFeed) Post(price fixedpoint.Value, at time.Time) {
	f.latest = Reading{Price: price, Timestamp: at}
	f.posted = true
}

// LatestRound returns the most recent round.
func (f *PushFeed) LatestRound() (Reading, error) {
	if !f.posted {
		return Reading{}, fmt.Errorf("%w: push feed empty", ErrNoData)
	}
	return f.latest, nil
}

// Checkpoint captures the feed state and returns a function restoring it.
func (f *PushFeed) Checkpoint() func() {
	latest, posted := f.latest, f.posted
	return func() {
		f.latest = latest
		f.posted = posted
	}
}

// PullFeed is the in-memory pull source for one configured feed id.
// Updates only move the price forward in publish time; a late replay of an
// older payload is a no-op, as the upstream price service behaves.
type PullFeed struct {
	priceID string
	latest  PullReading
	updated bool
}

// NewPullFeed returns an empty pull feed accepting updates for priceID.
func NewPullFeed(priceID string) *PullFeed {
	return &PullFeed{priceID: priceID}
}

// PriceID returns the configured feed id.
func (f *PullFeed) PriceID() string { return f.priceID }

// ApplyUpdate verifies and stores an update.
func (f *PullFeed) ApplyUpdate(u PriceUpdate) error {
	if u.ID != f.priceID {
		return fault.Validation("oracle: update feed id %q does not match %q", u.ID, f.priceID)
	}
	publish := time.Unix(u.Price.PublishTime, 0).UTC()
	if f.updated && !publish.After(f.latest.PublishTime) {
		return nil
	}
	price, err := strconv.ParseInt(u.Price.Price, 10, 64)
	if err != nil {
		return fault.Validation("oracle: update price %q not an integer", u.Price.Price)
	}
	conf, err := strconv.ParseUint(u.Price.Conf, 10, 63)
	if err != nil {
		return fault.Validation("oracle: update conf %q not an unsigned integer", u.Price.Conf)
	}
	f.latest = PullReading{
		Price:       fixedpoint.FromDecimal(decimal.New(price, u.Price.Expo)),
		Confidence:  fixedpoint.FromDecimal(decimal.New(int64(conf), u.Price.Expo)),
		Exponent:    u.Price.Expo,
		PublishTime: publish,
	}
	f.updated = true
	return nil
}

// LatestPrice returns the most recent verified sample.
func (f *PullFeed) LatestPrice() (PullReading, error) {
	if !f.updated {
		return PullReading{}, fmt.Errorf("%w: pull feed empty", ErrNoData)
	}
	return f.latest, nil
}

// Checkpoint captures the feed state and returns a function restoring it.
func (f *PullFeed) Checkpoint() func() {
	latest, updated := f.latest, f.updated
	return func() {
		f.latest = latest
		f.updated = updated
	}
}
