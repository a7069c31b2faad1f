// Package model defines the persisted records mirroring the engine state:
// the vault ledger, open positions, pending orders, and the audit journal.
// All monetary values use shopspring/decimal — never float64 for money.
//
// The engine itself computes in 18-digit fixed point; these records exist
// for the HTTP and store boundary, where amounts travel as decimal strings
// and NUMERIC columns.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// VaultState is the single-row durable mirror of the vault ledger: the
// stable side, the aggregate long side, and the funding integral.
type VaultState struct {
	StableCollateralTotal  decimal.Decimal `json:"stable_collateral_total" db:"stable_collateral_total"`
	SizeOpenedTotal        decimal.Decimal `json:"size_opened_total" db:"size_opened_total"`
	MarginDepositedTotal   decimal.Decimal `json:"margin_deposited_total" db:"margin_deposited_total"`
	SizePerEntryTotal      decimal.Decimal `json:"size_per_entry_total" db:"size_per_entry_total"`
	LastPrice              decimal.Decimal `json:"last_price" db:"last_price"`
	LastFundingEntry       decimal.Decimal `json:"last_funding_entry" db:"last_funding_entry"`
	CumulativeFundingIndex decimal.Decimal `json:"cumulative_funding_index" db:"cumulative_funding_index"`
	LastFundingRate        decimal.Decimal `json:"last_funding_rate" db:"last_funding_rate"`
	LastRecomputedTime     time.Time       `json:"last_recomputed_time" db:"last_recomputed_time"`
	UpdatedAt              time.Time       `json:"updated_at" db:"updated_at"`
}

// PositionRecord mirrors one open leveraged position. Owner duplicates the
// position token's ownership so the token ledger can be rebuilt at boot.
type PositionRecord struct {
	TokenID                uint64          `json:"token_id" db:"token_id"`
	Owner                  string          `json:"owner" db:"owner"`
	EntryPrice             decimal.Decimal `json:"entry_price" db:"entry_price"`
	MarginDeposited        decimal.Decimal `json:"margin_deposited" db:"margin_deposited"`
	AdditionalSize         decimal.Decimal `json:"additional_size" db:"additional_size"`
	EntryCumulativeFunding decimal.Decimal `json:"entry_cumulative_funding" db:"entry_cumulative_funding"`
}

// OrderRecord mirrors one pending order, delayed or limit. The fields in
// use depend on Type; unused amounts are zero. Delayed orders are keyed by
// Account, limit orders by TokenID.
type OrderRecord struct {
	Type         string          `json:"type" db:"order_type"` // "stable_deposit", ..., "limit_close"
	Account      string          `json:"account" db:"account"`
	KeeperFee    decimal.Decimal `json:"keeper_fee" db:"keeper_fee"`
	AnnouncedAt  time.Time       `json:"announced_at" db:"announced_at"`
	ExecutableAt time.Time       `json:"executable_at" db:"executable_at"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	MinOut       decimal.Decimal `json:"min_out" db:"min_out"`
	Margin       decimal.Decimal `json:"margin" db:"margin"`
	Size         decimal.Decimal `json:"size" db:"size"`
	MarginDelta  decimal.Decimal `json:"margin_delta" db:"margin_delta"`
	SizeDelta    decimal.Decimal `json:"size_delta" db:"size_delta"`
	PriceBound   decimal.Decimal `json:"price_bound" db:"price_bound"`
	TokenID      uint64          `json:"token_id,omitempty" db:"token_id"`
	LowerPrice   decimal.Decimal `json:"lower_price" db:"lower_price"`
	UpperPrice   decimal.Decimal `json:"upper_price" db:"upper_price"`
}

// JournalEntry is an immutable audit record of one committed mutation.
// Once appended, these are never modified or deleted.
type JournalEntry struct {
	ID        string          `json:"id" db:"id"`
	Time      time.Time       `json:"time" db:"ts"`
	Kind      string          `json:"kind" db:"kind"` // "order_announced", "order_executed", ...
	Account   string          `json:"account" db:"account"`
	TokenID   uint64          `json:"token_id,omitempty" db:"token_id"`
	OrderType string          `json:"order_type,omitempty" db:"order_type"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Note      string          `json:"note,omitempty" db:"note"`
}
