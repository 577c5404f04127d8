// Package engine implements the perpetual-futures margin engine: position
// and market state transitions, funding accrual, collateral-ratio
// enforcement, and liquidation.
package engine

import (
	"context"
	"fmt"
	stdmath "math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpMargin/internal/auth"
	"PerpMargin/internal/custody"
	"PerpMargin/internal/event"
	"PerpMargin/internal/instruction"
	fpmath "PerpMargin/internal/math"
	"PerpMargin/internal/observability"
	"PerpMargin/internal/state"
	"PerpMargin/internal/store"
)

// Request is one signed instruction submitted to the engine.
//
// Signer authorizes the instruction; Signature covers the raw Data bytes.
// PositionOwner addresses a position other than the signer's own; it is
// required for Liquidate and ignored (must be zero or equal to Signer)
// for the owner-only operations.
type Request struct {
	Signer        state.Principal
	Signature     []byte
	PositionOwner state.Principal
	Data          []byte
}

// Result is the post-instruction snapshot returned on success.
type Result struct {
	Sequence  uint64
	Op        instruction.Opcode
	Position  *state.Position // nil for AdvanceFunding
	Market    *state.MarketState
	StateHash [32]byte
}

// transfer is a collateral movement staged during an operation and
// executed only after every validation has passed.
type transfer struct {
	from      custody.Account
	to        custody.Account
	amount    uint64
	authority custody.Authority
	direction string // metrics label
}

// Engine executes instructions against one market. Instructions are
// serialized by an internal mutex; persistence, custody and signature
// checks go through the injected capability interfaces.
type Engine struct {
	symbol   string
	store    store.RecordStore
	verifier auth.Verifier
	gateway  custody.TransferGateway
	clock    Clock
	log      zerolog.Logger

	metrics *observability.Metrics // optional
	events  chan<- event.Envelope  // optional, non-blocking

	mu       sync.Mutex
	hasher   *StateHasher
	sequence uint64
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEventSink attaches the outbound envelope channel. Sends never
// block; a full channel drops the envelope and counts it.
func WithEventSink(ch chan<- event.Envelope) Option {
	return func(e *Engine) { e.events = ch }
}

func New(symbol string, rs store.RecordStore, verifier auth.Verifier, gateway custody.TransferGateway, clock Clock, opts ...Option) *Engine {
	e := &Engine{
		symbol:   symbol,
		store:    rs,
		verifier: verifier,
		gateway:  gateway,
		clock:    clock,
		log:      observability.NewLogger("engine"),
		hasher:   NewStateHasher(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sequence returns the sequence of the last applied instruction.
func (e *Engine) Sequence() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// ChainTip returns the current state-hash chain head.
func (e *Engine) ChainTip() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.ChainTip()
}

// Execute verifies, dispatches, and atomically applies one instruction.
// Any failure aborts with no persisted state change and no transfer.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	ix, err := instruction.Decode(req.Data)
	op := instruction.Opcode(0xFF)
	if len(req.Data) > 0 {
		op = instruction.Opcode(req.Data[0])
	}
	if err == nil {
		if verr := e.verifier.Verify(req.Signer, req.Data, req.Signature); verr != nil {
			err = fmt.Errorf("%w: %v", ErrMissingSignature, verr)
		}
	}
	if err != nil {
		e.reject(op, err)
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	res, transfers, err := e.apply(ctx, req, ix)
	if err != nil {
		e.reject(ix.Op, err)
		return nil, err
	}

	// All validation passed: run staged transfers, then persist. A
	// failure after any transfer executed reverses the executed prefix
	// so custody balances stay consistent with the records.
	for i, t := range transfers {
		if err := e.gateway.Transfer(ctx, t.from, t.to, t.amount, t.authority); err != nil {
			e.revertTransfers(ctx, transfers[:i])
			e.reject(ix.Op, err)
			return nil, fmt.Errorf("transfer %s: %w", t.direction, err)
		}
		if e.metrics != nil {
			e.metrics.CustodyTransfers.WithLabelValues(t.direction).Inc()
		}
	}

	if err := e.persist(ctx, res); err != nil {
		e.revertTransfers(ctx, transfers)
		e.reject(ix.Op, err)
		return nil, err
	}

	e.sequence++
	res.Sequence = e.sequence
	res.StateHash = e.hasher.ComputeHash(e.sequence, stateDigest(res))

	e.observe(ix.Op, res, start)
	e.emit(req, res)

	return res, nil
}

// apply mutates in-memory copies only. The returned transfers are staged,
// not yet executed.
func (e *Engine) apply(ctx context.Context, req Request, ix *instruction.Instruction) (*Result, []transfer, error) {
	switch ix.Op {
	case instruction.OpOpenOrModify:
		return e.openOrModify(ctx, req, ix.OpenOrModify)
	case instruction.OpAdvanceFunding:
		return e.advanceFunding(ctx)
	case instruction.OpLiquidate:
		return e.liquidate(ctx, req)
	case instruction.OpClose:
		return e.closePosition(ctx, req)
	default:
		return nil, nil, fmt.Errorf("%w: tag %d", ErrInvalidOpcode, ix.Op)
	}
}

// loadMarket lazily creates the market singleton. A freshly created
// market is stamped with the current slot so the first funding advance
// covers no phantom interval.
func (e *Engine) loadMarket(ctx context.Context) (*state.MarketState, error) {
	data, created, err := e.store.CreateIfAbsent(ctx, state.MarketKey(e.symbol), state.MarketStateSize)
	if err != nil {
		return nil, fmt.Errorf("load market: %w", err)
	}
	mkt, err := state.DecodeMarketState(data)
	if err != nil {
		return nil, fmt.Errorf("load market: %w", err)
	}
	if created {
		mkt.LastFundingSlot = e.clock.Now()
	}
	return mkt, nil
}

// loadPosition lazily creates the owner's position record.
func (e *Engine) loadPosition(ctx context.Context, owner state.Principal) (*state.Position, error) {
	data, _, err := e.store.CreateIfAbsent(ctx, state.PositionKey(owner), state.PositionSize)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	pos, err := state.DecodePosition(data)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	return pos, nil
}

// ownPosition resolves the signer's own position for Open/Modify and
// Close: an unclaimed record is claimed, a foreign one is rejected.
func (e *Engine) ownPosition(ctx context.Context, req Request) (*state.Position, error) {
	if !req.PositionOwner.IsZero() && req.PositionOwner != req.Signer {
		return nil, fmt.Errorf("%w: signer %s addressed position of %s",
			ErrOwnershipMismatch, req.Signer, req.PositionOwner)
	}

	pos, err := e.loadPosition(ctx, req.Signer)
	if err != nil {
		return nil, err
	}
	if pos.Owner.IsZero() {
		pos.Owner = req.Signer
	} else if pos.Owner != req.Signer {
		return nil, fmt.Errorf("%w: position owned by %s", ErrOwnershipMismatch, pos.Owner)
	}
	return pos, nil
}

func (e *Engine) openOrModify(ctx context.Context, req Request, args *instruction.OpenOrModify) (*Result, []transfer, error) {
	mkt, err := e.loadMarket(ctx)
	if err != nil {
		return nil, nil, err
	}

	pos, err := e.ownPosition(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	var transfers []transfer
	if args.CollateralDelta > 0 {
		transfers = append(transfers, transfer{
			from:      custody.UserAccount(req.Signer),
			to:        custody.CustodyPool,
			amount:    args.CollateralDelta,
			authority: custody.AuthorityOwner,
			direction: "deposit",
		})
		c, err := fpmath.AddU64(pos.Collateral, args.CollateralDelta)
		if err != nil {
			return nil, nil, fmt.Errorf("collateral top-up: %w", err)
		}
		pos.Collateral = c
	}

	if err := settleFunding(pos, mkt, failClosed); err != nil {
		return nil, nil, err
	}

	oldBase := pos.BaseAmount
	newBase, err := fpmath.AddI64(oldBase, args.BaseDelta)
	if err != nil {
		return nil, nil, fmt.Errorf("base update: %w", err)
	}
	pos.BaseAmount = newBase

	// Opening fresh or adding to the existing direction takes the new
	// price outright; reductions keep the old entry price.
	if oldBase == 0 || (oldBase > 0 && args.BaseDelta > 0) || (oldBase < 0 && args.BaseDelta < 0) {
		pos.EntryPrice = args.Price
	}

	oi, err := fpmath.SubU64(mkt.OpenInterest, fpmath.AbsI64(oldBase))
	if err != nil {
		return nil, nil, fmt.Errorf("open interest: %w", err)
	}
	oi, err = fpmath.AddU64(oi, fpmath.AbsI64(newBase))
	if err != nil {
		return nil, nil, fmt.Errorf("open interest: %w", err)
	}
	mkt.OpenInterest = oi

	mkt.MarkPrice = args.Price

	if pos.BaseAmount != 0 {
		value, err := PositionValue(pos.BaseAmount, mkt.MarkPrice)
		if err != nil {
			return nil, nil, err
		}
		ratio, err := CollateralRatio(pos.Collateral, value)
		if err != nil {
			return nil, nil, err
		}
		if ratio < MinCollateralRatio {
			return nil, nil, fmt.Errorf("%w: ratio %d < %d", ErrInsufficientCollateral, ratio, MinCollateralRatio)
		}
	}

	return &Result{Op: instruction.OpOpenOrModify, Position: pos, Market: mkt}, transfers, nil
}

func (e *Engine) advanceFunding(ctx context.Context) (*Result, []transfer, error) {
	mkt, err := e.loadMarket(ctx)
	if err != nil {
		return nil, nil, err
	}

	now := e.clock.Now()
	if now < mkt.LastFundingSlot {
		return nil, nil, fmt.Errorf("%w: slot %d before last funding slot %d",
			ErrInvalidTimeline, now, mkt.LastFundingSlot)
	}
	elapsed := now - mkt.LastFundingSlot
	if elapsed == 0 {
		// Idempotent no-op.
		return &Result{Op: instruction.OpAdvanceFunding, Market: mkt}, nil, nil
	}

	rate := BaseFundingRatePerSlot
	if mkt.OpenInterest > FundingRegimeOpenInterest {
		rate *= 2
	}

	if elapsed > stdmath.MaxInt64 {
		return nil, nil, fmt.Errorf("funding increment: %w", ErrArithmeticOverflow)
	}
	increment, err := fpmath.MulI64(rate, int64(elapsed))
	if err != nil {
		return nil, nil, fmt.Errorf("funding increment: %w", err)
	}
	index, err := fpmath.AddI64(mkt.FundingIndex, increment)
	if err != nil {
		return nil, nil, fmt.Errorf("funding index: %w", err)
	}

	mkt.FundingIndex = index
	mkt.FundingRatePerSlot = rate
	mkt.LastFundingSlot = now

	if e.metrics != nil {
		e.metrics.FundingAdvances.Inc()
	}
	return &Result{Op: instruction.OpAdvanceFunding, Market: mkt}, nil, nil
}

func (e *Engine) liquidate(ctx context.Context, req Request) (*Result, []transfer, error) {
	owner := req.PositionOwner
	if owner.IsZero() {
		owner = req.Signer
	}

	mkt, err := e.loadMarket(ctx)
	if err != nil {
		return nil, nil, err
	}
	pos, err := e.loadPosition(ctx, owner)
	if err != nil {
		return nil, nil, err
	}
	if !pos.Owner.IsZero() && pos.Owner != owner {
		return nil, nil, fmt.Errorf("%w: record owned by %s, addressed %s",
			ErrAddressMismatch, pos.Owner, owner)
	}

	if pos.BaseAmount == 0 {
		return nil, nil, fmt.Errorf("%w: position of %s is flat", ErrNoExposure, owner)
	}

	if err := settleFunding(pos, mkt, failOpen); err != nil {
		return nil, nil, err
	}

	size := fpmath.AbsI64(pos.BaseAmount)
	value, err := PositionValue(pos.BaseAmount, mkt.MarkPrice)
	if err != nil {
		return nil, nil, err
	}
	pnl, err := UnrealizedPnL(pos, mkt.MarkPrice)
	if err != nil {
		return nil, nil, err
	}

	var effective uint64
	if pnl >= 0 {
		effective, err = fpmath.AddU64(pos.Collateral, uint64(pnl))
		if err != nil {
			return nil, nil, fmt.Errorf("effective collateral: %w", err)
		}
	} else {
		effective = fpmath.SatSubU64(pos.Collateral, fpmath.AbsI64(pnl))
	}

	ratio, err := CollateralRatio(effective, value)
	if err != nil {
		return nil, nil, err
	}
	if ratio >= MinCollateralRatio {
		return nil, nil, fmt.Errorf("%w: ratio %d >= %d", ErrNotLiquidatable, ratio, MinCollateralRatio)
	}

	// Penalty is computed on the raw collateral field, not the
	// PnL-adjusted effective collateral.
	penalty, err := fpmath.MulDivU64(pos.Collateral, LiquidationPenalty, uint64(fpmath.Scale))
	if err != nil {
		return nil, nil, fmt.Errorf("penalty: %w", err)
	}

	var transfers []transfer
	if penalty > 0 {
		transfers = append(transfers, transfer{
			from:      custody.CustodyPool,
			to:        custody.UserAccount(req.Signer),
			amount:    penalty,
			authority: custody.AuthorityCustodian,
			direction: "liquidation_payout",
		})
	}

	oi, err := fpmath.SubU64(mkt.OpenInterest, size)
	if err != nil {
		return nil, nil, fmt.Errorf("open interest: %w", err)
	}
	mkt.OpenInterest = oi

	pos.BaseAmount = 0
	pos.EntryPrice = 0
	pos.Collateral = fpmath.SatSubU64(pos.Collateral, penalty)

	if e.metrics != nil {
		e.metrics.Liquidations.Inc()
		e.metrics.LiquidationPenalty.Add(float64(penalty))
	}

	e.log.Info().
		Str("owner", owner.String()).
		Str("liquidator", req.Signer.String()).
		Uint64("penalty", penalty).
		Uint64("ratio", ratio).
		Msg("position liquidated")

	return &Result{Op: instruction.OpLiquidate, Position: pos, Market: mkt}, transfers, nil
}

func (e *Engine) closePosition(ctx context.Context, req Request) (*Result, []transfer, error) {
	mkt, err := e.loadMarket(ctx)
	if err != nil {
		return nil, nil, err
	}
	pos, err := e.ownPosition(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	if pos.BaseAmount == 0 && pos.Collateral == 0 {
		// Already closed.
		return &Result{Op: instruction.OpClose, Position: pos, Market: mkt}, nil, nil
	}

	if err := settleFunding(pos, mkt, failOpen); err != nil {
		return nil, nil, err
	}

	if pos.BaseAmount != 0 {
		oi, err := fpmath.SubU64(mkt.OpenInterest, fpmath.AbsI64(pos.BaseAmount))
		if err != nil {
			return nil, nil, fmt.Errorf("open interest: %w", err)
		}
		mkt.OpenInterest = oi
	}

	var transfers []transfer
	if pos.Collateral > 0 {
		transfers = append(transfers, transfer{
			from:      custody.CustodyPool,
			to:        custody.UserAccount(req.Signer),
			amount:    pos.Collateral,
			authority: custody.AuthorityCustodian,
			direction: "close_payout",
		})
	}

	pos.BaseAmount = 0
	pos.Collateral = 0
	pos.EntryPrice = 0
	pos.LastFundingIndex = mkt.FundingIndex

	return &Result{Op: instruction.OpClose, Position: pos, Market: mkt}, transfers, nil
}

// persist writes the position and market records as one atomic unit so a
// storage failure never leaves them desynchronized.
func (e *Engine) persist(ctx context.Context, res *Result) error {
	records := map[string][]byte{
		state.MarketKey(e.symbol): res.Market.Encode(),
	}
	if res.Position != nil {
		records[state.PositionKey(res.Position.Owner)] = res.Position.Encode()
	}
	if err := e.store.StoreAll(ctx, records); err != nil {
		return fmt.Errorf("persist records: %w", err)
	}
	return nil
}

// revertTransfers undoes executed transfers in reverse order after a later
// step failed. A reversal that itself fails leaves custody out of sync and
// is logged for operator intervention.
func (e *Engine) revertTransfers(ctx context.Context, executed []transfer) {
	for i := len(executed) - 1; i >= 0; i-- {
		t := executed[i]
		authority := custody.AuthorityOwner
		if t.to == custody.CustodyPool {
			authority = custody.AuthorityCustodian
		}
		if err := e.gateway.Transfer(ctx, t.to, t.from, t.amount, authority); err != nil {
			e.log.Error().Err(err).
				Str("direction", t.direction).
				Uint64("amount", t.amount).
				Msg("transfer reversal failed, custody out of sync")
			continue
		}
		if e.metrics != nil {
			e.metrics.CustodyTransfers.WithLabelValues(t.direction + "_revert").Inc()
		}
	}
}

func stateDigest(res *Result) []byte {
	digest := make([]byte, 0, state.PositionSize+state.MarketStateSize)
	if res.Position != nil {
		digest = append(digest, res.Position.Encode()...)
	}
	digest = append(digest, res.Market.Encode()...)
	return digest
}

func (e *Engine) reject(op instruction.Opcode, err error) {
	if e.metrics != nil {
		e.metrics.InstructionsRejected.WithLabelValues(op.String(), RejectReason(err)).Inc()
	}
	e.log.Debug().Err(err).Str("op", op.String()).Msg("instruction rejected")
}

func (e *Engine) observe(op instruction.Opcode, res *Result, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.InstructionsApplied.WithLabelValues(op.String()).Inc()
	e.metrics.InstructionDuration.WithLabelValues(op.String()).Observe(time.Since(start).Seconds())
	e.metrics.EngineSequence.Set(float64(res.Sequence))
	e.metrics.ObserveMarket(res.Market.FundingIndex, res.Market.FundingRatePerSlot,
		res.Market.OpenInterest, res.Market.MarkPrice)
}

func (e *Engine) emit(req Request, res *Result) {
	if e.events == nil {
		return
	}

	env := event.Envelope{
		EventID:   uuid.New(),
		Sequence:  res.Sequence,
		Op:        res.Op.String(),
		Signer:    req.Signer.String(),
		Market:    e.symbol,
		StateHash: fmt.Sprintf("%x", res.StateHash),
		Timestamp: time.Now().UTC(),
		MarketState: event.MarketSnapshot{
			FundingIndex:       res.Market.FundingIndex,
			FundingRatePerSlot: res.Market.FundingRatePerSlot,
			OpenInterest:       res.Market.OpenInterest,
			LastFundingSlot:    res.Market.LastFundingSlot,
			MarkPrice:          res.Market.MarkPrice,
		},
	}
	if res.Position != nil {
		env.Owner = res.Position.Owner.String()
		env.Position = &event.PositionSnapshot{
			Owner:            res.Position.Owner.String(),
			BaseAmount:       res.Position.BaseAmount,
			Collateral:       res.Position.Collateral,
			LastFundingIndex: res.Position.LastFundingIndex,
			EntryPrice:       res.Position.EntryPrice,
		}
	}

	select {
	case e.events <- env:
		if e.metrics != nil {
			e.metrics.EventsPublished.Inc()
		}
	default:
		if e.metrics != nil {
			e.metrics.PublishDrops.Inc()
		}
		e.log.Warn().Uint64("sequence", res.Sequence).Msg("event channel full, envelope dropped")
	}
}
