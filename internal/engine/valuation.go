package engine

import (
	"fmt"
	stdmath "math"

	fpmath "PerpMargin/internal/math"
	"PerpMargin/internal/state"
)

// Stateless valuation helpers. All arithmetic goes through 128-bit
// intermediates; only a result that does not fit its 64-bit type fails.

// PositionValue returns |baseAmount| * price / 1e9.
func PositionValue(baseAmount int64, price uint64) (uint64, error) {
	return fpmath.MulDivU64(fpmath.AbsI64(baseAmount), price, uint64(fpmath.Scale))
}

// CollateralRatio returns collateral * 1e9 / positionValue, or the maximum
// representable health when the position has no value.
func CollateralRatio(collateral, positionValue uint64) (uint64, error) {
	if positionValue == 0 {
		return stdmath.MaxUint64, nil
	}
	return fpmath.MulDivU64(collateral, uint64(fpmath.Scale), positionValue)
}

// UnrealizedPnL values the position against markPrice. Long positions gain
// when the mark rises, shorts when it falls; flat positions have zero PnL.
func UnrealizedPnL(pos *state.Position, markPrice uint64) (int64, error) {
	if pos.BaseAmount == 0 {
		return 0, nil
	}

	mark, err := priceAsI64(markPrice)
	if err != nil {
		return 0, err
	}
	entry, err := priceAsI64(pos.EntryPrice)
	if err != nil {
		return 0, err
	}

	diff, err := fpmath.SubI64(mark, entry)
	if err != nil {
		return 0, fmt.Errorf("pnl price diff: %w", err)
	}
	if pos.BaseAmount < 0 {
		diff = -diff
	}

	size := fpmath.AbsI64(pos.BaseAmount)
	if size > stdmath.MaxInt64 {
		return 0, fmt.Errorf("pnl size: %w", fpmath.ErrOverflow)
	}

	return fpmath.MulDivI64(diff, int64(size), fpmath.Scale)
}

// PositionHealth is the collateral ratio of a position at markPrice using
// its raw collateral. Flat positions report perfect health.
func PositionHealth(pos *state.Position, markPrice uint64) (uint64, error) {
	if pos.BaseAmount == 0 {
		return stdmath.MaxUint64, nil
	}
	value, err := PositionValue(pos.BaseAmount, markPrice)
	if err != nil {
		return 0, err
	}
	return CollateralRatio(pos.Collateral, value)
}

func priceAsI64(price uint64) (int64, error) {
	if price > stdmath.MaxInt64 {
		return 0, fmt.Errorf("price %d: %w", price, fpmath.ErrOverflow)
	}
	return int64(price), nil
}
