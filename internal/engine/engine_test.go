package engine_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	stdmath "math"
	"testing"

	"PerpMargin/internal/auth"
	"PerpMargin/internal/custody"
	"PerpMargin/internal/engine"
	"PerpMargin/internal/instruction"
	"PerpMargin/internal/state"
	"PerpMargin/internal/store"
)

const symbol = "PERP-USD"

type user struct {
	principal state.Principal
	key       ed25519.PrivateKey
}

func newUser(t *testing.T) user {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var p state.Principal
	copy(p[:], pub)
	return user{principal: p, key: priv}
}

// request signs data and addresses the signer's own position.
func (u user) request(data []byte) engine.Request {
	return engine.Request{
		Signer:    u.principal,
		Signature: ed25519.Sign(u.key, data),
		Data:      data,
	}
}

// requestFor signs data addressing another principal's position.
func (u user) requestFor(owner state.Principal, data []byte) engine.Request {
	req := u.request(data)
	req.PositionOwner = owner
	return req
}

type harness struct {
	eng    *engine.Engine
	store  *store.MemoryStore
	ledger *custody.Ledger
	clock  *engine.ManualClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	led := custody.NewLedger()
	clk := engine.NewManualClock(1_000)
	return &harness{
		eng:    engine.New(symbol, st, auth.NewEd25519Verifier(), led, clk),
		store:  st,
		ledger: led,
		clock:  clk,
	}
}

func (h *harness) fund(t *testing.T, account custody.Account, amount uint64) {
	t.Helper()
	if err := h.ledger.Deposit(context.Background(), account, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (h *harness) seedMarket(t *testing.T, mkt *state.MarketState) {
	t.Helper()
	if err := h.store.Store(context.Background(), state.MarketKey(symbol), mkt.Encode()); err != nil {
		t.Fatalf("seed market: %v", err)
	}
}

func (h *harness) seedPosition(t *testing.T, pos *state.Position) {
	t.Helper()
	if err := h.store.Store(context.Background(), state.PositionKey(pos.Owner), pos.Encode()); err != nil {
		t.Fatalf("seed position: %v", err)
	}
}

func (h *harness) position(t *testing.T, owner state.Principal) *state.Position {
	t.Helper()
	data, err := h.store.Load(context.Background(), state.PositionKey(owner))
	if err != nil {
		t.Fatalf("load position: %v", err)
	}
	pos, err := state.DecodePosition(data)
	if err != nil {
		t.Fatalf("decode position: %v", err)
	}
	return pos
}

func (h *harness) market(t *testing.T) *state.MarketState {
	t.Helper()
	data, err := h.store.Load(context.Background(), state.MarketKey(symbol))
	if err != nil {
		t.Fatalf("load market: %v", err)
	}
	mkt, err := state.DecodeMarketState(data)
	if err != nil {
		t.Fatalf("decode market: %v", err)
	}
	return mkt
}

// ==================== Open / Modify ====================

func TestOpenPosition(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)
	h.fund(t, custody.UserAccount(u.principal), 150_000_000_000)

	data := instruction.EncodeOpenOrModify(1_000_000_000, 150_000_000_000, 100_000_000_000)
	res, err := h.eng.Execute(context.Background(), u.request(data))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if res.Sequence != 1 {
		t.Errorf("sequence = %d; want 1", res.Sequence)
	}
	pos := h.position(t, u.principal)
	if pos.Owner != u.principal {
		t.Errorf("owner = %s; want %s", pos.Owner, u.principal)
	}
	if pos.BaseAmount != 1_000_000_000 || pos.Collateral != 150_000_000_000 || pos.EntryPrice != 100_000_000_000 {
		t.Errorf("position = %+v", pos)
	}

	mkt := h.market(t)
	if mkt.OpenInterest != 1_000_000_000 {
		t.Errorf("open interest = %d; want 1_000_000_000", mkt.OpenInterest)
	}
	if mkt.MarkPrice != 100_000_000_000 {
		t.Errorf("mark price = %d; want 100_000_000_000", mkt.MarkPrice)
	}

	// Collateral moved to custody.
	if got := h.ledger.Balance(custody.CustodyPool); got != 150_000_000_000 {
		t.Errorf("custody pool = %d; want 150_000_000_000", got)
	}
	if got := h.ledger.Balance(custody.UserAccount(u.principal)); got != 0 {
		t.Errorf("user balance = %d; want 0", got)
	}
}

func TestOpenInsufficientCollateral(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)
	h.fund(t, custody.UserAccount(u.principal), 149_999_999_999)

	// One below the 150% boundary at this size and price.
	data := instruction.EncodeOpenOrModify(1_000_000_000, 149_999_999_999, 100_000_000_000)
	_, err := h.eng.Execute(context.Background(), u.request(data))
	if !errors.Is(err, engine.ErrInsufficientCollateral) {
		t.Fatalf("err = %v; want ErrInsufficientCollateral", err)
	}

	// Abort means no transfer and no persisted mutation.
	if got := h.ledger.Balance(custody.UserAccount(u.principal)); got != 149_999_999_999 {
		t.Errorf("user balance = %d; want untouched", got)
	}
	if pos := h.position(t, u.principal); pos.Collateral != 0 || pos.BaseAmount != 0 {
		t.Errorf("position persisted on abort: %+v", pos)
	}
}

func TestModifyReductionKeepsEntryPrice(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)
	h.fund(t, custody.UserAccount(u.principal), 400_000_000_000)

	open := instruction.EncodeOpenOrModify(2_000_000_000, 400_000_000_000, 100_000_000_000)
	if _, err := h.eng.Execute(context.Background(), u.request(open)); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Partial reduction at a different price keeps the old entry price.
	reduce := instruction.EncodeOpenOrModify(-1_000_000_000, 0, 110_000_000_000)
	if _, err := h.eng.Execute(context.Background(), u.request(reduce)); err != nil {
		t.Fatalf("reduce: %v", err)
	}

	pos := h.position(t, u.principal)
	if pos.BaseAmount != 1_000_000_000 {
		t.Errorf("base = %d; want 1_000_000_000", pos.BaseAmount)
	}
	if pos.EntryPrice != 100_000_000_000 {
		t.Errorf("entry price = %d; want original 100_000_000_000", pos.EntryPrice)
	}

	// Adding to the same direction replaces the entry price.
	add := instruction.EncodeOpenOrModify(1_000_000_000, 0, 120_000_000_000)
	if _, err := h.eng.Execute(context.Background(), u.request(add)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if pos := h.position(t, u.principal); pos.EntryPrice != 120_000_000_000 {
		t.Errorf("entry price after add = %d; want 120_000_000_000", pos.EntryPrice)
	}
}

func TestOpenForeignPositionRejected(t *testing.T) {
	h := newHarness(t)
	owner := newUser(t)
	attacker := newUser(t)

	data := instruction.EncodeOpenOrModify(0, 0, 100_000_000_000)
	_, err := h.eng.Execute(context.Background(), attacker.requestFor(owner.principal, data))
	if !errors.Is(err, engine.ErrOwnershipMismatch) {
		t.Errorf("err = %v; want ErrOwnershipMismatch", err)
	}
}

func TestOpenCorruptRecordOwner(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)
	other := newUser(t)

	// Record stored under u's key but claiming another owner.
	bad := &state.Position{Owner: other.principal}
	if err := h.store.Store(context.Background(), state.PositionKey(u.principal), bad.Encode()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	data := instruction.EncodeOpenOrModify(0, 0, 100_000_000_000)
	_, err := h.eng.Execute(context.Background(), u.request(data))
	if !errors.Is(err, engine.ErrOwnershipMismatch) {
		t.Errorf("err = %v; want ErrOwnershipMismatch", err)
	}
}

func TestOpenTransferFailureAborts(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)
	// No deposit: the staged custody transfer must fail.

	data := instruction.EncodeOpenOrModify(1_000_000_000, 150_000_000_000, 100_000_000_000)
	_, err := h.eng.Execute(context.Background(), u.request(data))
	if !errors.Is(err, custody.ErrInsufficientFunds) {
		t.Fatalf("err = %v; want ErrInsufficientFunds", err)
	}
	if pos := h.position(t, u.principal); pos.BaseAmount != 0 || pos.Collateral != 0 {
		t.Errorf("position persisted on failed transfer: %+v", pos)
	}
}

// ==================== Funding ====================

func TestAdvanceFunding(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)

	// First touch creates the market stamped at the current slot.
	if _, err := h.eng.Execute(context.Background(), u.request(instruction.EncodeAdvanceFunding())); err != nil {
		t.Fatalf("create market: %v", err)
	}

	h.clock.Advance(5)
	if _, err := h.eng.Execute(context.Background(), u.request(instruction.EncodeAdvanceFunding())); err != nil {
		t.Fatalf("advance: %v", err)
	}

	mkt := h.market(t)
	if mkt.FundingIndex != 5*10_000 {
		t.Errorf("funding index = %d; want 50_000", mkt.FundingIndex)
	}
	if mkt.FundingRatePerSlot != 10_000 {
		t.Errorf("rate = %d; want base rate 10_000", mkt.FundingRatePerSlot)
	}
	if mkt.LastFundingSlot != 1_005 {
		t.Errorf("last funding slot = %d; want 1_005", mkt.LastFundingSlot)
	}
}

func TestAdvanceFundingIdempotentAtSameSlot(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)

	h.eng.Execute(context.Background(), u.request(instruction.EncodeAdvanceFunding()))
	h.clock.Advance(3)
	h.eng.Execute(context.Background(), u.request(instruction.EncodeAdvanceFunding()))

	before := h.market(t)
	if _, err := h.eng.Execute(context.Background(), u.request(instruction.EncodeAdvanceFunding())); err != nil {
		t.Fatalf("second advance: %v", err)
	}
	after := h.market(t)

	if *after != *before {
		t.Errorf("second advance at same slot changed state: %+v -> %+v", before, after)
	}
}

func TestAdvanceFundingHighOpenInterestRegime(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)
	h.fund(t, custody.UserAccount(u.principal), 400_000_000_000)

	// 2 units of exposure puts open interest above the 1.0 threshold.
	open := instruction.EncodeOpenOrModify(2_000_000_000, 400_000_000_000, 100_000_000_000)
	if _, err := h.eng.Execute(context.Background(), u.request(open)); err != nil {
		t.Fatalf("open: %v", err)
	}

	h.clock.Advance(1)
	if _, err := h.eng.Execute(context.Background(), u.request(instruction.EncodeAdvanceFunding())); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if mkt := h.market(t); mkt.FundingRatePerSlot != 20_000 {
		t.Errorf("rate = %d; want doubled 20_000", mkt.FundingRatePerSlot)
	}
}

func TestAdvanceFundingClockBackwards(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)

	h.seedMarket(t, &state.MarketState{LastFundingSlot: 2_000})

	_, err := h.eng.Execute(context.Background(), u.request(instruction.EncodeAdvanceFunding()))
	if !errors.Is(err, engine.ErrInvalidTimeline) {
		t.Errorf("err = %v; want ErrInvalidTimeline", err)
	}
}

func TestFundingSettlementDebitsLong(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)

	h.seedMarket(t, &state.MarketState{
		FundingIndex:    1_000_000,
		OpenInterest:    1_000_000_000,
		LastFundingSlot: 1_000,
		MarkPrice:       100_000_000_000,
	})
	h.seedPosition(t, &state.Position{
		Owner:      u.principal,
		BaseAmount: 1_000_000_000,
		Collateral: 200_000_000_000,
		EntryPrice: 100_000_000_000,
	})

	// A no-delta modify settles outstanding funding.
	data := instruction.EncodeOpenOrModify(0, 0, 100_000_000_000)
	if _, err := h.eng.Execute(context.Background(), u.request(data)); err != nil {
		t.Fatalf("modify: %v", err)
	}

	pos := h.position(t, u.principal)
	// payment = 1e9 * 1e6 / 1e9 = 1e6 debited from the long.
	if pos.Collateral != 200_000_000_000-1_000_000 {
		t.Errorf("collateral = %d; want 199_999_000_000", pos.Collateral)
	}
	if pos.LastFundingIndex != 1_000_000 {
		t.Errorf("last funding index = %d; want 1_000_000", pos.LastFundingIndex)
	}
}

func TestFundingSettlementCreditsShort(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)

	h.seedMarket(t, &state.MarketState{
		FundingIndex:    1_000_000,
		OpenInterest:    1_000_000_000,
		LastFundingSlot: 1_000,
		MarkPrice:       100_000_000_000,
	})
	h.seedPosition(t, &state.Position{
		Owner:      u.principal,
		BaseAmount: -1_000_000_000,
		Collateral: 200_000_000_000,
		EntryPrice: 100_000_000_000,
	})

	data := instruction.EncodeOpenOrModify(0, 0, 100_000_000_000)
	if _, err := h.eng.Execute(context.Background(), u.request(data)); err != nil {
		t.Fatalf("modify: %v", err)
	}

	// Shorts receive when the index rises.
	if pos := h.position(t, u.principal); pos.Collateral != 200_000_000_000+1_000_000 {
		t.Errorf("collateral = %d; want 200_001_000_000", pos.Collateral)
	}
}

func TestFundingDebitFailsClosedInModify(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)

	h.seedMarket(t, &state.MarketState{
		FundingIndex:    1_000,
		OpenInterest:    1_000_000_000,
		LastFundingSlot: 1_000,
		MarkPrice:       100_000_000_000,
	})
	seeded := &state.Position{
		Owner:      u.principal,
		BaseAmount: 1_000_000_000,
		Collateral: 100, // owes 1_000 of funding
		EntryPrice: 100_000_000_000,
	}
	h.seedPosition(t, seeded)

	data := instruction.EncodeOpenOrModify(0, 0, 100_000_000_000)
	_, err := h.eng.Execute(context.Background(), u.request(data))
	if !errors.Is(err, engine.ErrArithmeticUnderflow) {
		t.Fatalf("err = %v; want ErrArithmeticUnderflow", err)
	}

	if pos := h.position(t, u.principal); *pos != *seeded {
		t.Errorf("state changed on abort: %+v", pos)
	}
}

func TestFundingDebitFailsOpenInClose(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)

	h.seedMarket(t, &state.MarketState{
		FundingIndex:    1_000,
		OpenInterest:    1_000_000_000,
		LastFundingSlot: 1_000,
		MarkPrice:       100_000_000_000,
	})
	h.seedPosition(t, &state.Position{
		Owner:      u.principal,
		BaseAmount: 1_000_000_000,
		Collateral: 100, // owes 1_000, saturates to zero
		EntryPrice: 100_000_000_000,
	})

	if _, err := h.eng.Execute(context.Background(), u.request(instruction.EncodeClose())); err != nil {
		t.Fatalf("close: %v", err)
	}

	pos := h.position(t, u.principal)
	if pos.BaseAmount != 0 || pos.Collateral != 0 {
		t.Errorf("position not wound down: %+v", pos)
	}
	if mkt := h.market(t); mkt.OpenInterest != 0 {
		t.Errorf("open interest = %d; want 0", mkt.OpenInterest)
	}
}

// ==================== Liquidation ====================

func TestLiquidateUndercollateralized(t *testing.T) {
	h := newHarness(t)
	victim := newUser(t)
	liquidator := newUser(t)

	h.seedMarket(t, &state.MarketState{
		OpenInterest:    1_000_000_000,
		LastFundingSlot: 1_000,
		MarkPrice:       100_000_000_000,
	})
	h.seedPosition(t, &state.Position{
		Owner:      victim.principal,
		BaseAmount: 1_000_000_000,
		Collateral: 50_000_000_000, // 50% health
		EntryPrice: 100_000_000_000,
	})
	h.fund(t, custody.CustodyPool, 50_000_000_000)

	res, err := h.eng.Execute(context.Background(),
		liquidator.requestFor(victim.principal, instruction.EncodeLiquidate()))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// Penalty is 10% of raw collateral.
	if got := h.ledger.Balance(custody.UserAccount(liquidator.principal)); got != 5_000_000_000 {
		t.Errorf("liquidator reward = %d; want 5_000_000_000", got)
	}

	pos := h.position(t, victim.principal)
	if pos.BaseAmount != 0 || pos.EntryPrice != 0 {
		t.Errorf("position not cleared: %+v", pos)
	}
	if pos.Collateral != 45_000_000_000 {
		t.Errorf("remaining collateral = %d; want 45_000_000_000", pos.Collateral)
	}
	if res.Market.OpenInterest != 0 {
		t.Errorf("open interest = %d; want 0", res.Market.OpenInterest)
	}
}

func TestLiquidationBoundary(t *testing.T) {
	// Health exactly 100% is liquidatable; exactly 150% is not.
	cases := []struct {
		name       string
		collateral uint64
		wantErr    error
	}{
		{"health_100pct", 100_000_000_000, nil},
		{"health_150pct", 150_000_000_000, engine.ErrNotLiquidatable},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t)
			victim := newUser(t)
			liquidator := newUser(t)

			h.seedMarket(t, &state.MarketState{
				OpenInterest:    1_000_000_000,
				LastFundingSlot: 1_000,
				MarkPrice:       100_000_000_000,
			})
			seeded := &state.Position{
				Owner:      victim.principal,
				BaseAmount: 1_000_000_000,
				Collateral: c.collateral,
				EntryPrice: 100_000_000_000,
			}
			h.seedPosition(t, seeded)
			h.fund(t, custody.CustodyPool, c.collateral)

			_, err := h.eng.Execute(context.Background(),
				liquidator.requestFor(victim.principal, instruction.EncodeLiquidate()))

			if c.wantErr == nil {
				if err != nil {
					t.Fatalf("liquidate: %v", err)
				}
				return
			}
			if !errors.Is(err, c.wantErr) {
				t.Fatalf("err = %v; want %v", err, c.wantErr)
			}
			if pos := h.position(t, victim.principal); *pos != *seeded {
				t.Errorf("state changed on rejected liquidation: %+v", pos)
			}
		})
	}
}

func TestLiquidateUsesEffectiveCollateral(t *testing.T) {
	h := newHarness(t)
	victim := newUser(t)
	liquidator := newUser(t)

	// Raw collateral alone is only 120% of notional, but +40 of unrealized
	// profit lifts effective health to 160%: not liquidatable.
	h.seedMarket(t, &state.MarketState{
		OpenInterest:    1_000_000_000,
		LastFundingSlot: 1_000,
		MarkPrice:       100_000_000_000,
	})
	h.seedPosition(t, &state.Position{
		Owner:      victim.principal,
		BaseAmount: 1_000_000_000,
		Collateral: 120_000_000_000,
		EntryPrice: 60_000_000_000,
	})

	_, err := h.eng.Execute(context.Background(),
		liquidator.requestFor(victim.principal, instruction.EncodeLiquidate()))
	if !errors.Is(err, engine.ErrNotLiquidatable) {
		t.Errorf("err = %v; want ErrNotLiquidatable", err)
	}
}

func TestLiquidateNoExposure(t *testing.T) {
	h := newHarness(t)
	victim := newUser(t)
	liquidator := newUser(t)

	h.seedPosition(t, &state.Position{
		Owner:      victim.principal,
		Collateral: 10_000_000_000,
	})

	_, err := h.eng.Execute(context.Background(),
		liquidator.requestFor(victim.principal, instruction.EncodeLiquidate()))
	if !errors.Is(err, engine.ErrNoExposure) {
		t.Errorf("err = %v; want ErrNoExposure", err)
	}
}

func TestLiquidateSaturatedFunding(t *testing.T) {
	h := newHarness(t)
	victim := newUser(t)
	liquidator := newUser(t)

	// Accrued funding exceeds collateral: fail-open settlement zeroes it,
	// the position liquidates with zero penalty.
	h.seedMarket(t, &state.MarketState{
		FundingIndex:    100_000_000_000,
		OpenInterest:    1_000_000_000,
		LastFundingSlot: 1_000,
		MarkPrice:       100_000_000_000,
	})
	h.seedPosition(t, &state.Position{
		Owner:      victim.principal,
		BaseAmount: 1_000_000_000,
		Collateral: 1_000_000_000,
		EntryPrice: 100_000_000_000,
	})

	if _, err := h.eng.Execute(context.Background(),
		liquidator.requestFor(victim.principal, instruction.EncodeLiquidate())); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	if got := h.ledger.Balance(custody.UserAccount(liquidator.principal)); got != 0 {
		t.Errorf("reward = %d; want 0 (no collateral left)", got)
	}
	if pos := h.position(t, victim.principal); pos.Collateral != 0 || pos.BaseAmount != 0 {
		t.Errorf("position = %+v; want zeroed", pos)
	}
}

func TestLiquidateAddressMismatch(t *testing.T) {
	h := newHarness(t)
	victim := newUser(t)
	other := newUser(t)
	liquidator := newUser(t)

	// Corrupt record: stored under victim's key but owned by another.
	bad := &state.Position{Owner: other.principal, BaseAmount: 1_000_000_000}
	if err := h.store.Store(context.Background(), state.PositionKey(victim.principal), bad.Encode()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := h.eng.Execute(context.Background(),
		liquidator.requestFor(victim.principal, instruction.EncodeLiquidate()))
	if !errors.Is(err, engine.ErrAddressMismatch) {
		t.Errorf("err = %v; want ErrAddressMismatch", err)
	}
}

// ==================== Close ====================

func TestClosePosition(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)
	h.fund(t, custody.UserAccount(u.principal), 150_000_000_000)

	open := instruction.EncodeOpenOrModify(1_000_000_000, 150_000_000_000, 100_000_000_000)
	if _, err := h.eng.Execute(context.Background(), u.request(open)); err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := h.eng.Execute(context.Background(), u.request(instruction.EncodeClose())); err != nil {
		t.Fatalf("close: %v", err)
	}

	pos := h.position(t, u.principal)
	if pos.BaseAmount != 0 || pos.Collateral != 0 || pos.EntryPrice != 0 {
		t.Errorf("position = %+v; want zeroed", pos)
	}
	if mkt := h.market(t); mkt.OpenInterest != 0 {
		t.Errorf("open interest = %d; want 0", mkt.OpenInterest)
	}

	// Full collateral returned.
	if got := h.ledger.Balance(custody.UserAccount(u.principal)); got != 150_000_000_000 {
		t.Errorf("user balance = %d; want 150_000_000_000", got)
	}
	if got := h.ledger.Balance(custody.CustodyPool); got != 0 {
		t.Errorf("custody pool = %d; want 0", got)
	}
}

func TestCloseStampsFundingIndex(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)

	h.seedMarket(t, &state.MarketState{
		FundingIndex:    42_000,
		OpenInterest:    1_000_000_000,
		LastFundingSlot: 1_000,
		MarkPrice:       100_000_000_000,
	})
	h.seedPosition(t, &state.Position{
		Owner:      u.principal,
		BaseAmount: 1_000_000_000,
		Collateral: 200_000_000_000,
		EntryPrice: 100_000_000_000,
	})
	h.fund(t, custody.CustodyPool, 200_000_000_000)

	if _, err := h.eng.Execute(context.Background(), u.request(instruction.EncodeClose())); err != nil {
		t.Fatalf("close: %v", err)
	}

	if pos := h.position(t, u.principal); pos.LastFundingIndex != 42_000 {
		t.Errorf("last funding index = %d; want 42_000", pos.LastFundingIndex)
	}
}

func TestCloseAlreadyClosedNoOp(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)

	res, err := h.eng.Execute(context.Background(), u.request(instruction.EncodeClose()))
	if err != nil {
		t.Fatalf("close fresh position: %v", err)
	}
	if res.Position.BaseAmount != 0 || res.Position.Collateral != 0 {
		t.Errorf("result position = %+v", res.Position)
	}
}

func TestCloseForeignPositionRejected(t *testing.T) {
	h := newHarness(t)
	owner := newUser(t)
	attacker := newUser(t)

	_, err := h.eng.Execute(context.Background(),
		attacker.requestFor(owner.principal, instruction.EncodeClose()))
	if !errors.Is(err, engine.ErrOwnershipMismatch) {
		t.Errorf("err = %v; want ErrOwnershipMismatch", err)
	}
}

// ==================== Dispatch and auth ====================

func TestExecuteRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)

	req := u.request(instruction.EncodeClose())
	req.Signature[0] ^= 0x01

	_, err := h.eng.Execute(context.Background(), req)
	if !errors.Is(err, engine.ErrMissingSignature) {
		t.Errorf("err = %v; want ErrMissingSignature", err)
	}
}

func TestExecuteRejectsForgedSigner(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)
	forger := newUser(t)

	data := instruction.EncodeClose()
	req := engine.Request{
		Signer:    u.principal,
		Signature: ed25519.Sign(forger.key, data),
		Data:      data,
	}
	_, err := h.eng.Execute(context.Background(), req)
	if !errors.Is(err, engine.ErrMissingSignature) {
		t.Errorf("err = %v; want ErrMissingSignature", err)
	}
}

func TestExecuteRejectsUnknownOpcode(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)

	_, err := h.eng.Execute(context.Background(), u.request([]byte{99}))
	if !errors.Is(err, engine.ErrInvalidOpcode) {
		t.Errorf("err = %v; want ErrInvalidOpcode", err)
	}
}

func TestExecuteRejectsShortPayload(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)

	_, err := h.eng.Execute(context.Background(), u.request([]byte{0, 1, 2, 3}))
	if !errors.Is(err, engine.ErrInvalidPayload) {
		t.Errorf("err = %v; want ErrInvalidPayload", err)
	}

	if _, err := h.eng.Execute(context.Background(), u.request(nil)); !errors.Is(err, engine.ErrInvalidPayload) {
		t.Errorf("empty data err = %v; want ErrInvalidPayload", err)
	}
}

// ==================== Invariants ====================

func TestOpenInterestInvariant(t *testing.T) {
	h := newHarness(t)
	users := []user{newUser(t), newUser(t), newUser(t)}
	for _, u := range users {
		h.fund(t, custody.UserAccount(u.principal), 1_000_000_000_000)
	}

	checkInvariant := func(step string) {
		t.Helper()
		var sum uint64
		for _, u := range users {
			data, err := h.store.Load(context.Background(), state.PositionKey(u.principal))
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				t.Fatalf("%s: load: %v", step, err)
			}
			pos, err := state.DecodePosition(data)
			if err != nil {
				t.Fatalf("%s: decode: %v", step, err)
			}
			if pos.BaseAmount >= 0 {
				sum += uint64(pos.BaseAmount)
			} else {
				sum += uint64(-pos.BaseAmount)
			}
		}
		if mkt := h.market(t); mkt.OpenInterest != sum {
			t.Errorf("%s: open interest = %d; positions sum to %d", step, mkt.OpenInterest, sum)
		}
	}

	ctx := context.Background()
	steps := []struct {
		name string
		u    user
		data []byte
	}{
		{"u0 long 1", users[0], instruction.EncodeOpenOrModify(1_000_000_000, 200_000_000_000, 100_000_000_000)},
		{"u1 short 2", users[1], instruction.EncodeOpenOrModify(-2_000_000_000, 500_000_000_000, 100_000_000_000)},
		{"u2 long 0.5", users[2], instruction.EncodeOpenOrModify(500_000_000, 100_000_000_000, 100_000_000_000)},
		{"u0 reduce", users[0], instruction.EncodeOpenOrModify(-400_000_000, 0, 100_000_000_000)},
		{"u1 close", users[1], instruction.EncodeClose()},
	}
	for _, s := range steps {
		if _, err := h.eng.Execute(ctx, s.u.request(s.data)); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		checkInvariant(s.name)
	}
}

func TestCustodyPoolMatchesCollateral(t *testing.T) {
	h := newHarness(t)
	a := newUser(t)
	b := newUser(t)
	h.fund(t, custody.UserAccount(a.principal), 300_000_000_000)
	h.fund(t, custody.UserAccount(b.principal), 300_000_000_000)

	ctx := context.Background()
	if _, err := h.eng.Execute(ctx, a.request(instruction.EncodeOpenOrModify(1_000_000_000, 200_000_000_000, 100_000_000_000))); err != nil {
		t.Fatalf("open a: %v", err)
	}
	if _, err := h.eng.Execute(ctx, b.request(instruction.EncodeOpenOrModify(-1_000_000_000, 300_000_000_000, 100_000_000_000))); err != nil {
		t.Fatalf("open b: %v", err)
	}

	sum := h.position(t, a.principal).Collateral + h.position(t, b.principal).Collateral
	if got := h.ledger.Balance(custody.CustodyPool); got != sum {
		t.Errorf("pool = %d; collateral sums to %d", got, sum)
	}

	if _, err := h.eng.Execute(ctx, a.request(instruction.EncodeClose())); err != nil {
		t.Fatalf("close a: %v", err)
	}
	sum = h.position(t, a.principal).Collateral + h.position(t, b.principal).Collateral
	if got := h.ledger.Balance(custody.CustodyPool); got != sum {
		t.Errorf("pool after close = %d; collateral sums to %d", got, sum)
	}
}

func TestSequenceAndHashChainAdvance(t *testing.T) {
	h := newHarness(t)
	u := newUser(t)
	h.fund(t, custody.UserAccount(u.principal), 200_000_000_000)

	ctx := context.Background()
	res1, err := h.eng.Execute(ctx, u.request(instruction.EncodeOpenOrModify(1_000_000_000, 200_000_000_000, 100_000_000_000)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	res2, err := h.eng.Execute(ctx, u.request(instruction.EncodeClose()))
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	if res1.Sequence != 1 || res2.Sequence != 2 {
		t.Errorf("sequences = %d, %d; want 1, 2", res1.Sequence, res2.Sequence)
	}
	if res1.StateHash == res2.StateHash {
		t.Error("state hash did not advance")
	}
	if res1.StateHash == [32]byte{} {
		t.Error("state hash is zero")
	}
	if h.eng.ChainTip() != res2.StateHash {
		t.Error("chain tip does not match last result")
	}
}

func TestCollateralNeverNegative(t *testing.T) {
	// Collateral is unsigned; the observable law is that every stored
	// value is reachable without wraparound. Exercise the saturating
	// paths and check nothing wrapped to a huge value.
	h := newHarness(t)
	u := newUser(t)

	h.seedMarket(t, &state.MarketState{
		FundingIndex:    10_000_000_000,
		OpenInterest:    1_000_000_000,
		LastFundingSlot: 1_000,
		MarkPrice:       100_000_000_000,
	})
	h.seedPosition(t, &state.Position{
		Owner:      u.principal,
		BaseAmount: 1_000_000_000,
		Collateral: 5, // dwarfed by the funding debt
		EntryPrice: 100_000_000_000,
	})

	if _, err := h.eng.Execute(context.Background(), u.request(instruction.EncodeClose())); err != nil {
		t.Fatalf("close: %v", err)
	}
	if pos := h.position(t, u.principal); pos.Collateral > stdmath.MaxUint64/2 {
		t.Errorf("collateral wrapped: %d", pos.Collateral)
	}
}

// ==================== Recovery and fault paths ====================

type journalEntry struct {
	from, to custody.Account
	amount   uint64
}

// memoryJournal stands in for the Postgres journal: it records custody
// movements and replays them in order.
type memoryJournal struct {
	entries []journalEntry
}

func (j *memoryJournal) Record(_ context.Context, from, to custody.Account, amount uint64, _ custody.Authority) error {
	j.entries = append(j.entries, journalEntry{from: from, to: to, amount: amount})
	return nil
}

func (j *memoryJournal) Replay(_ context.Context, apply func(from, to custody.Account, amount uint64) error) error {
	for _, e := range j.entries {
		if err := apply(e.from, e.to, e.amount); err != nil {
			return err
		}
	}
	return nil
}

func TestRestartRestoresCustody(t *testing.T) {
	// A position opened before a restart must still pay out afterwards:
	// balances rebuilt from the journal cover the close.
	journal := &memoryJournal{}
	st := store.NewMemoryStore()
	clk := engine.NewManualClock(1_000)
	led1 := custody.NewLedger().WithJournal(journal)
	eng1 := engine.New(symbol, st, auth.NewEd25519Verifier(), led1, clk)

	u := newUser(t)
	ctx := context.Background()
	if err := led1.Deposit(ctx, custody.UserAccount(u.principal), 150_000_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	open := instruction.EncodeOpenOrModify(1_000_000_000, 150_000_000_000, 100_000_000_000)
	if _, err := eng1.Execute(ctx, u.request(open)); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Fresh ledger over the same records, as after a process restart.
	led2 := custody.NewLedger().WithJournal(journal)
	if err := led2.Restore(ctx, journal); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := led2.Balance(custody.CustodyPool); got != 150_000_000_000 {
		t.Fatalf("restored pool = %d; want 150_000_000_000", got)
	}

	eng2 := engine.New(symbol, st, auth.NewEd25519Verifier(), led2, clk)
	if _, err := eng2.Execute(ctx, u.request(instruction.EncodeClose())); err != nil {
		t.Fatalf("close after restart: %v", err)
	}
	if got := led2.Balance(custody.UserAccount(u.principal)); got != 150_000_000_000 {
		t.Errorf("user balance = %d; want full payout", got)
	}
	if got := led2.Balance(custody.CustodyPool); got != 0 {
		t.Errorf("custody pool = %d; want 0", got)
	}
}

// failingStore passes reads through and fails every record write.
type failingStore struct {
	*store.MemoryStore
	err error
}

func (s *failingStore) StoreAll(context.Context, map[string][]byte) error {
	return s.err
}

func TestPersistFailureRevertsTransfers(t *testing.T) {
	st := &failingStore{MemoryStore: store.NewMemoryStore(), err: errors.New("disk full")}
	led := custody.NewLedger()
	eng := engine.New(symbol, st, auth.NewEd25519Verifier(), led, engine.NewManualClock(1_000))

	u := newUser(t)
	ctx := context.Background()
	if err := led.Deposit(ctx, custody.UserAccount(u.principal), 150_000_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	open := instruction.EncodeOpenOrModify(1_000_000_000, 150_000_000_000, 100_000_000_000)
	if _, err := eng.Execute(ctx, u.request(open)); err == nil {
		t.Fatal("want persist failure")
	}

	// The executed deposit transfer was reversed.
	if got := led.Balance(custody.UserAccount(u.principal)); got != 150_000_000_000 {
		t.Errorf("user balance = %d; want refunded 150_000_000_000", got)
	}
	if got := led.Balance(custody.CustodyPool); got != 0 {
		t.Errorf("custody pool = %d; want 0", got)
	}

	// No record mutation survived: the lazily created records stay zero.
	data, err := st.Load(ctx, state.PositionKey(u.principal))
	if err != nil {
		t.Fatalf("load position: %v", err)
	}
	pos, err := state.DecodePosition(data)
	if err != nil {
		t.Fatalf("decode position: %v", err)
	}
	if pos.BaseAmount != 0 || pos.Collateral != 0 {
		t.Errorf("position persisted despite failure: %+v", pos)
	}
	if eng.Sequence() != 0 {
		t.Errorf("sequence = %d; want 0", eng.Sequence())
	}
}
