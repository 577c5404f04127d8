package state

import (
	"encoding/binary"
	"fmt"
)

// MarketStateSize is the encoded byte length of a MarketState record.
const MarketStateSize = 5 * 8

// MarketState is the singleton record for the traded market.
//
// FundingIndex is the cumulative funding accumulator (signed, 1e9 scale).
// OpenInterest sums the absolute base exposure of every position.
type MarketState struct {
	FundingIndex       int64
	FundingRatePerSlot int64
	OpenInterest       uint64
	LastFundingSlot    uint64
	MarkPrice          uint64
}

// Encode serializes the record in the fixed little-endian layout.
func (m *MarketState) Encode() []byte {
	buf := make([]byte, MarketStateSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.FundingIndex))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.FundingRatePerSlot))
	binary.LittleEndian.PutUint64(buf[16:24], m.OpenInterest)
	binary.LittleEndian.PutUint64(buf[24:32], m.LastFundingSlot)
	binary.LittleEndian.PutUint64(buf[32:40], m.MarkPrice)
	return buf
}

// DecodeMarketState parses a MarketState record.
func DecodeMarketState(data []byte) (*MarketState, error) {
	if len(data) != MarketStateSize {
		return nil, fmt.Errorf("decode market state: want %d bytes, got %d", MarketStateSize, len(data))
	}
	m := &MarketState{}
	m.FundingIndex = int64(binary.LittleEndian.Uint64(data[0:8]))
	m.FundingRatePerSlot = int64(binary.LittleEndian.Uint64(data[8:16]))
	m.OpenInterest = binary.LittleEndian.Uint64(data[16:24])
	m.LastFundingSlot = binary.LittleEndian.Uint64(data[24:32])
	m.MarkPrice = binary.LittleEndian.Uint64(data[32:40])
	return m, nil
}
