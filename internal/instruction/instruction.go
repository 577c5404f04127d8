// Package instruction decodes the engine's wire format: a 1-byte opcode
// followed by an opcode-specific little-endian payload.
package instruction

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type Opcode uint8

const (
	OpOpenOrModify   Opcode = 0
	OpAdvanceFunding Opcode = 1
	OpLiquidate      Opcode = 2
	OpClose          Opcode = 3
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrInvalidOpcode  = errors.New("invalid opcode")
)

// openOrModifyPayloadSize is base_delta (i64) + collateral_delta (u64) +
// price (u64).
const openOrModifyPayloadSize = 24

// OpenOrModify carries the position-update parameters.
type OpenOrModify struct {
	BaseDelta       int64
	CollateralDelta uint64
	Price           uint64
}

// Instruction is a decoded engine instruction. OpenOrModify is non-nil
// exactly when Op == OpOpenOrModify.
type Instruction struct {
	Op           Opcode
	OpenOrModify *OpenOrModify
}

// Decode parses raw instruction bytes. Empty input and short payloads
// fail with ErrInvalidPayload; unknown opcodes with ErrInvalidOpcode.
// Trailing bytes beyond a known payload are ignored.
func Decode(data []byte) (*Instruction, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty instruction", ErrInvalidPayload)
	}

	op := Opcode(data[0])
	payload := data[1:]

	switch op {
	case OpOpenOrModify:
		if len(payload) < openOrModifyPayloadSize {
			return nil, fmt.Errorf("%w: open/modify payload %d bytes, want %d",
				ErrInvalidPayload, len(payload), openOrModifyPayloadSize)
		}
		return &Instruction{
			Op: op,
			OpenOrModify: &OpenOrModify{
				BaseDelta:       int64(binary.LittleEndian.Uint64(payload[0:8])),
				CollateralDelta: binary.LittleEndian.Uint64(payload[8:16]),
				Price:           binary.LittleEndian.Uint64(payload[16:24]),
			},
		}, nil

	case OpAdvanceFunding, OpLiquidate, OpClose:
		return &Instruction{Op: op}, nil

	default:
		return nil, fmt.Errorf("%w: tag %d", ErrInvalidOpcode, data[0])
	}
}

// Encode helpers mirror Decode for clients and tests.

func EncodeOpenOrModify(baseDelta int64, collateralDelta, price uint64) []byte {
	buf := make([]byte, 1+openOrModifyPayloadSize)
	buf[0] = byte(OpOpenOrModify)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(baseDelta))
	binary.LittleEndian.PutUint64(buf[9:17], collateralDelta)
	binary.LittleEndian.PutUint64(buf[17:25], price)
	return buf
}

func EncodeAdvanceFunding() []byte { return []byte{byte(OpAdvanceFunding)} }

func EncodeLiquidate() []byte { return []byte{byte(OpLiquidate)} }

func EncodeClose() []byte { return []byte{byte(OpClose)} }

// String returns the stable label used in logs and metrics.
func (op Opcode) String() string {
	switch op {
	case OpOpenOrModify:
		return "open_or_modify"
	case OpAdvanceFunding:
		return "advance_funding"
	case OpLiquidate:
		return "liquidate"
	case OpClose:
		return "close"
	default:
		return "unknown"
	}
}
