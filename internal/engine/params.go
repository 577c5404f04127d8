package engine

// Risk and funding parameters, all in 1e9 fixed-point scale.
const (
	// MinCollateralRatio is 150%. Positions below it cannot be opened and
	// become liquidatable.
	MinCollateralRatio uint64 = 1_500_000_000

	// LiquidationPenalty is 10% of raw collateral, paid to the liquidator.
	LiquidationPenalty uint64 = 100_000_000

	// BaseFundingRatePerSlot is 0.001% per slot.
	BaseFundingRatePerSlot int64 = 10_000

	// FundingRegimeOpenInterest is the open-interest level (1.0 base unit)
	// above which the funding rate doubles.
	FundingRegimeOpenInterest uint64 = 1_000_000_000
)
