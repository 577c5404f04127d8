package state

import (
	"encoding/binary"
	"fmt"
)

// PositionSize is the encoded byte length of a Position record.
const PositionSize = PrincipalSize + 8 + 8 + 8 + 8

// Position is a user's margin account in the market.
//
// BaseAmount is signed exposure (positive long, negative short).
// Collateral, LastFundingIndex and EntryPrice use the 1e9 fixed-point
// scale. A zero-filled record is a valid unclaimed position.
type Position struct {
	Owner            Principal
	BaseAmount       int64
	Collateral       uint64
	LastFundingIndex int64
	EntryPrice       uint64
}

// IsFlat reports whether the position has no exposure.
func (p *Position) IsFlat() bool {
	return p.BaseAmount == 0
}

// Encode serializes the record in the fixed little-endian layout.
func (p *Position) Encode() []byte {
	buf := make([]byte, PositionSize)
	copy(buf[0:PrincipalSize], p.Owner[:])
	binary.LittleEndian.PutUint64(buf[32:40], uint64(p.BaseAmount))
	binary.LittleEndian.PutUint64(buf[40:48], p.Collateral)
	binary.LittleEndian.PutUint64(buf[48:56], uint64(p.LastFundingIndex))
	binary.LittleEndian.PutUint64(buf[56:64], p.EntryPrice)
	return buf
}

// DecodePosition parses a Position record. The buffer must be exactly
// PositionSize bytes; zero-filled buffers decode to the unclaimed record.
func DecodePosition(data []byte) (*Position, error) {
	if len(data) != PositionSize {
		return nil, fmt.Errorf("decode position: want %d bytes, got %d", PositionSize, len(data))
	}
	p := &Position{}
	copy(p.Owner[:], data[0:PrincipalSize])
	p.BaseAmount = int64(binary.LittleEndian.Uint64(data[32:40]))
	p.Collateral = binary.LittleEndian.Uint64(data[40:48])
	p.LastFundingIndex = int64(binary.LittleEndian.Uint64(data[48:56]))
	p.EntryPrice = binary.LittleEndian.Uint64(data[56:64])
	return p, nil
}
