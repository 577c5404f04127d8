// Package event defines the outbound envelope published for every applied
// instruction.
package event

import (
	"time"

	"github.com/google/uuid"
)

// PositionSnapshot is the post-instruction view of the touched position.
// Nil for AdvanceFunding, which touches no position.
type PositionSnapshot struct {
	Owner            string `json:"owner"`
	BaseAmount       int64  `json:"base_amount"`
	Collateral       uint64 `json:"collateral"`
	LastFundingIndex int64  `json:"last_funding_index"`
	EntryPrice       uint64 `json:"entry_price"`
}

// MarketSnapshot is the post-instruction view of the market state.
type MarketSnapshot struct {
	FundingIndex       int64  `json:"funding_index"`
	FundingRatePerSlot int64  `json:"funding_rate_per_slot"`
	OpenInterest       uint64 `json:"open_interest"`
	LastFundingSlot    uint64 `json:"last_funding_slot"`
	MarkPrice          uint64 `json:"mark_price"`
}

// Envelope wraps one applied instruction for the outbound stream.
type Envelope struct {
	// Unique per publication.
	EventID uuid.UUID `json:"event_id"`

	// Engine sequence assigned at apply time; gapless and monotonic.
	Sequence uint64 `json:"sequence"`

	// Operation label (open_or_modify, advance_funding, liquidate, close).
	Op string `json:"op"`

	// Signing principal and, for liquidations, the liquidated owner.
	Signer string `json:"signer"`
	Owner  string `json:"owner,omitempty"`

	Market string `json:"market"`

	Position    *PositionSnapshot `json:"position,omitempty"`
	MarketState MarketSnapshot    `json:"market_state"`

	// Hex SHA-256 chain hash of state after this instruction.
	StateHash string `json:"state_hash"`

	Timestamp time.Time `json:"timestamp"`
}
