package state

// Record-store keys. Positions are keyed by owner; the market state is a
// per-symbol singleton.

func PositionKey(owner Principal) string {
	return "position:" + owner.String()
}

func MarketKey(symbol string) string {
	return "market:" + symbol
}
