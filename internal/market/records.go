package market

import (
	"time"

	"github.com/syntha/margin-engine/internal/fixedpoint"
	"github.com/syntha/margin-engine/internal/ledger"
	"github.com/syntha/margin-engine/internal/model"
	"github.com/syntha/margin-engine/internal/orders"
)

// Converters between the engine's fixed-point state and the decimal
// records the store and the HTTP boundary carry.

func vaultRecord(v *ledger.Vault, now time.Time) *model.VaultState {
	g := v.Global()
	f := v.Funding()
	return &model.VaultState{
		StableCollateralTotal:  v.StableCollateralTotal().Decimal(),
		SizeOpenedTotal:        g.SizeOpenedTotal.Decimal(),
		MarginDepositedTotal:   g.MarginDepositedTotal.Decimal(),
		SizePerEntryTotal:      g.SizePerEntryTotal.Decimal(),
		LastPrice:              g.LastPrice.Decimal(),
		LastFundingEntry:       g.LastFundingEntry.Decimal(),
		CumulativeFundingIndex: f.CumulativeIndex.Decimal(),
		LastFundingRate:        f.LastFundingRate.Decimal(),
		LastRecomputedTime:     f.LastRecomputedTime,
		UpdatedAt:              now,
	}
}

func vaultFromRecord(r *model.VaultState) (fixedpoint.Value, ledger.GlobalPosition, ledger.FundingState) {
	stable := fixedpoint.FromDecimal(r.StableCollateralTotal)
	g := ledger.GlobalPosition{
		SizeOpenedTotal:      fixedpoint.FromDecimal(r.SizeOpenedTotal),
		MarginDepositedTotal: fixedpoint.FromDecimal(r.MarginDepositedTotal),
		SizePerEntryTotal:    fixedpoint.FromDecimal(r.SizePerEntryTotal),
		LastPrice:            fixedpoint.FromDecimal(r.LastPrice),
		LastFundingEntry:     fixedpoint.FromDecimal(r.LastFundingEntry),
	}
	f := ledger.FundingState{
		CumulativeIndex:    fixedpoint.FromDecimal(r.CumulativeFundingIndex),
		LastFundingRate:    fixedpoint.FromDecimal(r.LastFundingRate),
		LastRecomputedTime: r.LastRecomputedTime,
	}
	return stable, g, f
}

func positionRecord(p ledger.Position, owner string) *model.PositionRecord {
	return &model.PositionRecord{
		TokenID:                p.TokenID,
		Owner:                  owner,
		EntryPrice:             p.EntryPrice.Decimal(),
		MarginDeposited:        p.MarginDeposited.Decimal(),
		AdditionalSize:         p.AdditionalSize.Decimal(),
		EntryCumulativeFunding: p.EntryCumulativeFunding.Decimal(),
	}
}

func positionFromRecord(r model.PositionRecord) ledger.Position {
	return ledger.Position{
		TokenID:                r.TokenID,
		EntryPrice:             fixedpoint.FromDecimal(r.EntryPrice),
		MarginDeposited:        fixedpoint.FromDecimal(r.MarginDeposited),
		AdditionalSize:         fixedpoint.FromDecimal(r.AdditionalSize),
		EntryCumulativeFunding: fixedpoint.FromDecimal(r.EntryCumulativeFunding),
	}
}

func orderRecord(o orders.Order) *model.OrderRecord {
	return &model.OrderRecord{
		Type:         string(o.Type),
		Account:      o.Account,
		KeeperFee:    o.KeeperFee.Decimal(),
		AnnouncedAt:  o.AnnouncedAt,
		ExecutableAt: o.ExecutableAtTime,
		Amount:       o.Amount.Decimal(),
		MinOut:       o.MinOut.Decimal(),
		Margin:       o.Margin.Decimal(),
		Size:         o.Size.Decimal(),
		MarginDelta:  o.MarginDelta.Decimal(),
		SizeDelta:    o.SizeDelta.Decimal(),
		PriceBound:   o.PriceBound.Decimal(),
		TokenID:      o.TokenID,
		LowerPrice:   o.LowerPrice.Decimal(),
		UpperPrice:   o.UpperPrice.Decimal(),
	}
}

func orderFromRecord(r model.OrderRecord) orders.Order {
	return orders.Order{
		Type:             orders.Type(r.Type),
		Account:          r.Account,
		KeeperFee:        fixedpoint.FromDecimal(r.KeeperFee),
		AnnouncedAt:      r.AnnouncedAt,
		ExecutableAtTime: r.ExecutableAt,
		Amount:           fixedpoint.FromDecimal(r.Amount),
		MinOut:           fixedpoint.FromDecimal(r.MinOut),
		Margin:           fixedpoint.FromDecimal(r.Margin),
		Size:             fixedpoint.FromDecimal(r.Size),
		MarginDelta:      fixedpoint.FromDecimal(r.MarginDelta),
		SizeDelta:        fixedpoint.FromDecimal(r.SizeDelta),
		PriceBound:       fixedpoint.FromDecimal(r.PriceBound),
		TokenID:          r.TokenID,
		LowerPrice:       fixedpoint.FromDecimal(r.LowerPrice),
		UpperPrice:       fixedpoint.FromDecimal(r.UpperPrice),
	}
}
