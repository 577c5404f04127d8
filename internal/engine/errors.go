package engine

import (
	"errors"

	"PerpMargin/internal/instruction"
	fpmath "PerpMargin/internal/math"
)

// Every rejected instruction surfaces exactly one of these kinds. The
// arithmetic and decode kinds alias the sentinels of the packages that
// detect them so errors.Is works across layers.
var (
	ErrMissingSignature       = errors.New("missing signature")
	ErrInvalidPayload         = instruction.ErrInvalidPayload
	ErrInvalidOpcode          = instruction.ErrInvalidOpcode
	ErrAddressMismatch        = errors.New("address mismatch")
	ErrOwnershipMismatch      = errors.New("ownership mismatch")
	ErrArithmeticOverflow     = fpmath.ErrOverflow
	ErrArithmeticUnderflow    = fpmath.ErrUnderflow
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrNotLiquidatable        = errors.New("not liquidatable")
	ErrNoExposure             = errors.New("no exposure")
	ErrInvalidTimeline        = errors.New("invalid timeline")
)

// RejectReason returns the stable metrics label for an engine error.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrInvalidOpcode):
		return "invalid_opcode"
	case errors.Is(err, ErrAddressMismatch):
		return "address_mismatch"
	case errors.Is(err, ErrOwnershipMismatch):
		return "ownership_mismatch"
	case errors.Is(err, ErrArithmeticOverflow):
		return "arithmetic_overflow"
	case errors.Is(err, ErrArithmeticUnderflow):
		return "arithmetic_underflow"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, ErrNoExposure):
		return "no_exposure"
	case errors.Is(err, ErrInvalidTimeline):
		return "invalid_timeline"
	default:
		return "internal"
	}
}
