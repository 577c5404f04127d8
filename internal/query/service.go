// Package query serves read-only views over engine records. Derived
// values (notional, health, unrealized PnL, pending funding) are
// computed at query time from the current mark price; nothing here
// mutates state.
package query

import (
	"context"
	stdmath "math"
	"time"

	"PerpMargin/internal/engine"
	fpmath "PerpMargin/internal/math"
	"PerpMargin/internal/observability"
	"PerpMargin/internal/state"
	"PerpMargin/internal/store"
)

// PositionView is a position record enriched with valuation derived at
// the market's current mark price.
type PositionView struct {
	Owner            string `json:"owner"`
	BaseAmount       int64  `json:"base_amount"`
	Collateral       uint64 `json:"collateral"`
	LastFundingIndex int64  `json:"last_funding_index"`
	EntryPrice       uint64 `json:"entry_price"`

	MarkPrice      uint64 `json:"mark_price"`
	Notional       uint64 `json:"notional"`
	Health         uint64 `json:"health"` // 1e9 scale; max uint64 when flat
	UnrealizedPnL  int64  `json:"unrealized_pnl"`
	PendingFunding int64  `json:"pending_funding"`
	Liquidatable   bool   `json:"liquidatable"`
}

// MarketView mirrors the market record.
type MarketView struct {
	Symbol             string `json:"symbol"`
	FundingIndex       int64  `json:"funding_index"`
	FundingRatePerSlot int64  `json:"funding_rate_per_slot"`
	OpenInterest       uint64 `json:"open_interest"`
	LastFundingSlot    uint64 `json:"last_funding_slot"`
	MarkPrice          uint64 `json:"mark_price"`
}

// Service answers position and market queries from the record store.
type Service struct {
	symbol  string
	store   store.RecordStore
	metrics *observability.Metrics // optional
}

func NewService(symbol string, rs store.RecordStore, metrics *observability.Metrics) *Service {
	return &Service{symbol: symbol, store: rs, metrics: metrics}
}

// Position returns the owner's position valued at the current mark.
// Returns store.ErrNotFound when the owner has no record.
func (s *Service) Position(ctx context.Context, owner state.Principal) (*PositionView, error) {
	start := time.Now()

	pos, mkt, err := s.load(ctx, owner)
	if err != nil {
		s.observe("position", start, err)
		return nil, err
	}

	view := &PositionView{
		Owner:            pos.Owner.String(),
		BaseAmount:       pos.BaseAmount,
		Collateral:       pos.Collateral,
		LastFundingIndex: pos.LastFundingIndex,
		EntryPrice:       pos.EntryPrice,
		MarkPrice:        mkt.MarkPrice,
		Health:           stdmath.MaxUint64,
	}

	if !pos.IsFlat() {
		if notional, err := engine.PositionValue(pos.BaseAmount, mkt.MarkPrice); err == nil {
			view.Notional = notional
		}
		if health, err := engine.PositionHealth(pos, mkt.MarkPrice); err == nil {
			view.Health = health
			view.Liquidatable = health < engine.MinCollateralRatio
		}
		if pnl, err := engine.UnrealizedPnL(pos, mkt.MarkPrice); err == nil {
			view.UnrealizedPnL = pnl
		}
		if delta, err := fpmath.SubI64(mkt.FundingIndex, pos.LastFundingIndex); err == nil {
			if payment, err := fpmath.MulDivI64(pos.BaseAmount, delta, fpmath.Scale); err == nil {
				view.PendingFunding = payment
			}
		}
	}

	s.observe("position", start, nil)
	return view, nil
}

// Market returns the current market record.
func (s *Service) Market(ctx context.Context) (*MarketView, error) {
	start := time.Now()

	data, err := s.store.Load(ctx, state.MarketKey(s.symbol))
	if err != nil {
		s.observe("market", start, err)
		return nil, err
	}
	mkt, err := state.DecodeMarketState(data)
	if err != nil {
		s.observe("market", start, err)
		return nil, err
	}

	s.observe("market", start, nil)
	return &MarketView{
		Symbol:             s.symbol,
		FundingIndex:       mkt.FundingIndex,
		FundingRatePerSlot: mkt.FundingRatePerSlot,
		OpenInterest:       mkt.OpenInterest,
		LastFundingSlot:    mkt.LastFundingSlot,
		MarkPrice:          mkt.MarkPrice,
	}, nil
}

func (s *Service) load(ctx context.Context, owner state.Principal) (*state.Position, *state.MarketState, error) {
	posData, err := s.store.Load(ctx, state.PositionKey(owner))
	if err != nil {
		return nil, nil, err
	}
	pos, err := state.DecodePosition(posData)
	if err != nil {
		return nil, nil, err
	}

	mkt := &state.MarketState{}
	if mktData, err := s.store.Load(ctx, state.MarketKey(s.symbol)); err == nil {
		if decoded, derr := state.DecodeMarketState(mktData); derr == nil {
			mkt = decoded
		}
	}
	return pos, mkt, nil
}

func (s *Service) observe(endpoint string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
