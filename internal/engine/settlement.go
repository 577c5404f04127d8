package engine

import (
	"fmt"

	fpmath "PerpMargin/internal/math"
	"PerpMargin/internal/state"
)

// settleMode selects how a funding debit that exceeds collateral is
// handled. Open/Modify fails closed: the whole instruction aborts.
// Liquidate and Close fail open: collateral saturates to zero so the
// position can always be wound down.
type settleMode int

const (
	failClosed settleMode = iota
	failOpen
)

// settleFunding applies the position's outstanding funding obligation
// against its collateral and advances its funding snapshot to the
// market's index. payment = base_amount * delta / 1e9, truncating toward
// zero; positive payment debits the holder, negative credits it.
func settleFunding(pos *state.Position, mkt *state.MarketState, mode settleMode) error {
	delta, err := fpmath.SubI64(mkt.FundingIndex, pos.LastFundingIndex)
	if err != nil {
		return fmt.Errorf("funding delta: %w", err)
	}

	if delta != 0 && pos.BaseAmount != 0 {
		payment, err := fpmath.MulDivI64(pos.BaseAmount, delta, fpmath.Scale)
		if err != nil {
			return fmt.Errorf("funding payment: %w", err)
		}

		switch {
		case payment > 0:
			c, err := fpmath.SubU64(pos.Collateral, uint64(payment))
			if err != nil {
				if mode == failClosed {
					return fmt.Errorf("funding debit %d: %w", payment, err)
				}
				c = 0
			}
			pos.Collateral = c

		case payment < 0:
			c, err := fpmath.AddU64(pos.Collateral, fpmath.AbsI64(payment))
			if err != nil {
				return fmt.Errorf("funding credit %d: %w", -payment, err)
			}
			pos.Collateral = c
		}
	}

	pos.LastFundingIndex = mkt.FundingIndex
	return nil
}
