// Package flywheel implements the flywheel scheduler (C8): the per-token
// buy/sell cycle state machine that drives each tenant's simple- or
// turbo-mode trading, with a circuit breaker and cooldown backoff on
// repeated failures.
package flywheel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flywheel-engine/engine/internal/core"
	"github.com/flywheel-engine/engine/internal/executor"
	"github.com/flywheel-engine/engine/internal/logger"
	"github.com/flywheel-engine/engine/internal/metrics"
	"github.com/flywheel-engine/engine/internal/ratelimit"
	"github.com/flywheel-engine/engine/internal/registry"
	"github.com/flywheel-engine/engine/internal/venue"
)

// txFeeBufferSol is reserved on top of MinBuySol so a buy never leaves the
// ops key unable to cover network fees.
const txFeeBufferSol = 0.01

// simpleFraction and turboFraction are the constant shares of the relevant
// ops balance committed to one trade. Turbo trades smaller and more often so
// capital spreads across a longer per-cycle trade count.
const (
	simpleFraction = 0.10
	turboFraction  = 0.05
)

// VenueAdapter is the subset of venue.Adapter the scheduler drives.
type VenueAdapter interface {
	Quote(ctx context.Context, mint string, route venue.Route, side venue.Side, inputAmount uint64, slippageBps int) (venue.Quote, error)
	BuildSwap(ctx context.Context, mint string, route venue.Route, rawQuote json.RawMessage, signerAddress string) (venue.UnsignedTx, error)
}

// Executor is the subset of executor.Executor the scheduler drives.
type Executor interface {
	Execute(ctx context.Context, build executor.BuildFunc, keyID string, opts executor.Options) (executor.ExecResult, error)
}

// BalanceReader is the subset of balance.Cache the scheduler reads.
type BalanceReader interface {
	Get(keyID string) (registry.BalanceSnapshot, bool)
	Fresh(keyID string, maxAge time.Duration) bool
}

// Publisher is the subset of adminbus.Bus the scheduler fans trade and job
// status events out through. Nil by default: publishing is an optional,
// best-effort side channel, never load-bearing for a trade's own outcome.
type Publisher interface {
	Publish(channel string, payload interface{})
}

// Config tunes the scheduler independent of any one token's TokenConfig.
type Config struct {
	MaxConcurrentPerCycle int
	SafetyMargin          time.Duration
	BalanceStaleAfter     time.Duration
	RateLimit             ratelimit.Config
}

// DefaultConfig mirrors spec.md §6's FLYWHEEL_* defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPerCycle: 5,
		SafetyMargin:          2 * time.Second,
		BalanceStaleAfter:     10 * time.Minute,
		RateLimit:             ratelimit.DefaultConfig(),
	}
}

// tradeOutcome records what processToken decided and whether it traded.
type tradeOutcome struct {
	tokenID   string
	traded    bool
	side      venue.Side
	succeeded bool
	skipped   string
}

// Scheduler runs the simple- and turbo-mode cadences as two independent
// ticker loops, each walking its token subset round-robin and flushing
// FlywheelState transitions synchronously or in a per-cycle batch per
// TurboConfig.BatchStateUpdates.
type Scheduler struct {
	core.ServiceBase

	store    registry.Store
	venue    VenueAdapter
	exec     Executor
	balances BalanceReader
	limiter  *ratelimit.Limiter
	keyLocks *core.KeyedMutex
	cfg      Config
	log      *logger.Logger
	pub      Publisher

	mu            sync.Mutex
	simplePointer int
	turboPointer  int
	appliedAlgo   map[string]registry.Algorithm

	reloadRequested atomic.Bool

	stop chan struct{}
	done chan struct{}
}

// New builds a Scheduler. keyLocks may be shared with the reactive engine
// (C9) so the two never submit concurrently against the same ops key.
func New(store registry.Store, v VenueAdapter, exec Executor, balances BalanceReader, keyLocks *core.KeyedMutex, cfg Config, log *logger.Logger) *Scheduler {
	if cfg.MaxConcurrentPerCycle <= 0 {
		cfg.MaxConcurrentPerCycle = 5
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 2 * time.Second
	}
	if cfg.BalanceStaleAfter <= 0 {
		cfg.BalanceStaleAfter = 10 * time.Minute
	}
	if keyLocks == nil {
		keyLocks = core.NewKeyedMutex()
	}
	s := &Scheduler{
		store:       store,
		venue:       v,
		exec:        exec,
		balances:    balances,
		limiter:     ratelimit.New(cfg.RateLimit),
		keyLocks:    keyLocks,
		cfg:         cfg,
		log:         log,
		appliedAlgo: make(map[string]registry.Algorithm),
	}
	s.SetName("flywheel-scheduler")
	return s
}

// KeyLocks returns the scheduler's keyed mutex, for sharing with C9.
func (s *Scheduler) KeyLocks() *core.KeyedMutex { return s.keyLocks }

// SetPublisher wires an admin bus (or any Publisher) so executed trades are
// fanned out on the "transactions" channel as they are recorded.
func (s *Scheduler) SetPublisher(pub Publisher) { s.pub = pub }

// RequestReload asks the next tick of each cadence to re-read token
// configuration before processing, rather than trusting its cached view.
func (s *Scheduler) RequestReload() { s.reloadRequested.Store(true) }

// Start launches the simple- and turbo-mode tickers.
func (s *Scheduler) Start(ctx context.Context, simpleIntervalSec, turboIntervalSec int) {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.MarkStarted()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.runCadence(ctx, "simple", time.Duration(simpleIntervalSec)*time.Second, s.RunSimpleCycle)
	}()
	go func() {
		defer wg.Done()
		s.runCadence(ctx, "turbo", time.Duration(turboIntervalSec)*time.Second, s.RunTurboCycle)
	}()
	go func() {
		wg.Wait()
		close(s.done)
	}()
}

// Stop signals both cadences to exit after their in-flight cycle completes.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.stop == nil {
		s.MarkStopped()
		return nil
	}
	close(s.stop)
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.MarkStopped()
	return nil
}

func (s *Scheduler) runCadence(ctx context.Context, label string, interval time.Duration, run func(context.Context) error) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := run(ctx); err != nil && s.log != nil {
				s.log.WithField("cadence", label).WithError(err).Error("cycle failed")
			}
		}
	}
}

// RunSimpleCycle processes every active simple- and rebalance-algorithm
// token once, round-robin, within the simple cadence's interval. Rebalance
// shares the simple cadence (spec.md names no separate interval for it) and
// differs only in the extra position-cap precondition applied in eligible.
func (s *Scheduler) RunSimpleCycle(ctx context.Context) error {
	return s.runCycle(ctx, registry.AlgorithmSimple, &s.simplePointer, 60)
}

// RunTurboCycle processes every active turbo-algorithm token once,
// round-robin, within the turbo cadence's interval.
func (s *Scheduler) RunTurboCycle(ctx context.Context) error {
	return s.runCycle(ctx, registry.AlgorithmTurbo, &s.turboPointer, 15)
}

func (s *Scheduler) runCycle(ctx context.Context, mode registry.Algorithm, pointer *int, intervalSec int) error {
	s.reloadRequested.Store(false)

	tokens, err := s.store.GetActiveTokensForFlywheel(ctx)
	if err != nil {
		return core.Wrap("flywheel", "listActiveTokens", err)
	}

	type entry struct {
		token registry.Token
		cfg   registry.TokenConfig
	}
	var members []entry
	for _, tok := range tokens {
		cfg, err := s.store.GetTokenConfig(ctx, tok.ID)
		if err != nil {
			continue
		}
		if !matchesCadence(mode, s.bucketFor(tok.ID, cfg)) {
			continue
		}
		members = append(members, entry{token: tok, cfg: cfg})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].token.ID < members[j].token.ID })
	if len(members) == 0 {
		return nil
	}

	deadline := time.Now().Add(time.Duration(intervalSec)*time.Second - s.cfg.SafetyMargin)

	s.mu.Lock()
	start := *pointer % len(members)
	s.mu.Unlock()

	var (
		wg        sync.WaitGroup
		sem       = make(chan struct{}, s.cfg.MaxConcurrentPerCycle)
		batchMu   sync.Mutex
		batch     []registry.FlywheelState
		processed int
	)

	for i := 0; i < len(members); i++ {
		if time.Now().After(deadline) {
			break
		}
		m := members[(start+i)%len(members)]
		processed++

		wg.Add(1)
		sem <- struct{}{}
		go func(m entry) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			st, ok := s.processOne(ctx, m.token, m.cfg)
			if !ok {
				return
			}
			if m.cfg.Turbo.BatchStateUpdates {
				batchMu.Lock()
				batch = append(batch, st)
				batchMu.Unlock()
				return
			}
			if err := s.store.PutFlywheelState(ctx, st); err != nil && s.log != nil {
				s.log.WithError(err).WithField("token_id", m.token.ID).Error("persist flywheel state")
			}
		}(m)
	}
	wg.Wait()

	if len(batch) > 0 {
		if err := s.store.PutFlywheelStates(ctx, batch); err != nil && s.log != nil {
			s.log.WithError(err).Error("persist batched flywheel states")
		}
	}

	s.mu.Lock()
	*pointer = (start + processed) % len(members)
	s.mu.Unlock()
	return nil
}

// matchesCadence reports whether a token holding algo belongs in the cadence
// identified by mode. Rebalance has no cadence of its own (spec.md names
// none), so it rides the simple cadence and is distinguished only by the
// extra position-cap precondition applied in eligible.
func matchesCadence(mode, algo registry.Algorithm) bool {
	if mode == registry.AlgorithmSimple {
		return algo == registry.AlgorithmSimple || algo == registry.AlgorithmRebalance
	}
	return algo == mode
}

// bucketFor returns the algorithm the scheduler should currently apply for
// tokenID: a configured algorithm change only takes effect once the token
// reaches a fresh cycle boundary (buyCount == 0 while in BUYING), so an
// in-flight cycle finishes under the rules it started with.
func (s *Scheduler) bucketFor(tokenID string, cfg registry.TokenConfig) registry.Algorithm {
	s.mu.Lock()
	defer s.mu.Unlock()
	applied, ok := s.appliedAlgo[tokenID]
	if !ok {
		s.appliedAlgo[tokenID] = cfg.Algorithm
		return cfg.Algorithm
	}
	return applied
}

func (s *Scheduler) markBoundary(tokenID string, cfg registry.TokenConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appliedAlgo[tokenID] = cfg.Algorithm
}

// processOne runs one eligibility check + trade attempt for token, returning
// the FlywheelState to persist and whether it changed at all.
func (s *Scheduler) processOne(ctx context.Context, token registry.Token, cfg registry.TokenConfig) (registry.FlywheelState, bool) {
	if cfg.Algorithm == registry.AlgorithmReactive {
		return registry.FlywheelState{}, false
	}

	state, err := s.store.GetFlywheelState(ctx, token.ID)
	if err != nil {
		state = registry.FlywheelState{TokenID: token.ID, Phase: registry.PhaseBuying}
	}

	now := time.Now()
	if reason, eligible := s.eligible(ctx, token, cfg, state, now); !eligible {
		_ = reason
		return registry.FlywheelState{}, false
	}

	var locked bool
	var outcome tradeOutcome
	ran := s.keyLocks.TryWith(token.OpsKeyID, func() {
		locked = true
		outcome = s.tryTrade(ctx, token, cfg, state)
	})
	if !ran || !locked {
		return registry.FlywheelState{}, false
	}
	if !outcome.traded {
		return registry.FlywheelState{}, false
	}

	next := s.advance(cfg, state, outcome, now)
	if next.Phase == registry.PhaseBuying && next.BuyCount == 0 {
		s.markBoundary(token.ID, cfg)
	}
	return next, true
}

// eligible implements spec.md §4.5's ordered, short-circuit preconditions.
func (s *Scheduler) eligible(ctx context.Context, token registry.Token, cfg registry.TokenConfig, state registry.FlywheelState, now time.Time) (string, bool) {
	if !token.Eligible() || !cfg.FlywheelActive {
		return "inactive", false
	}
	if state.BreakerOpen(now) {
		return "breaker-open", false
	}
	if state.InCooldown(now) {
		return "cooldown", false
	}
	if cfg.DailyLimitSol > 0 {
		spent, err := s.dailySpend(ctx, token.ID, now)
		if err == nil && spent >= cfg.DailyLimitSol {
			return "daily-limit", false
		}
	}
	if !s.balances.Fresh(token.OpsKeyID, s.cfg.BalanceStaleAfter) {
		return "stale-balance", false
	}
	snap, ok := s.balances.Get(token.OpsKeyID)
	if !ok {
		return "no-balance", false
	}
	phase := state.EffectivePhase(now)
	if phase == registry.PhaseBuying {
		opsSol := lamportsToSol(snap.SolLamports)
		if opsSol < cfg.MinBuySol+txFeeBufferSol {
			return "insufficient-ops-sol", false
		}
	} else {
		if snap.TokenUnits == 0 {
			return "insufficient-ops-tokens", false
		}
	}
	if cfg.Algorithm == registry.AlgorithmRebalance && cfg.MaxPositionSol > 0 && phase == registry.PhaseBuying {
		positionSol, err := s.positionValueSol(ctx, token, cfg, snap)
		if err == nil && positionSol >= cfg.MaxPositionSol {
			return "position-cap", false
		}
	}
	return "", true
}

// positionValueSol marks the ops key's current token holdings to market by
// quoting a full-balance sell, per spec.md §4.5 precondition 5. targetMidpoint
// is not a tracked field elsewhere in TokenConfig, so rebalance treats the
// target as zero net exposure: the cap simply bounds how large the position
// may grow before further buys are held back.
func (s *Scheduler) positionValueSol(ctx context.Context, token registry.Token, cfg registry.TokenConfig, snap registry.BalanceSnapshot) (float64, error) {
	if snap.TokenUnits == 0 {
		return 0, nil
	}
	q, err := s.venue.Quote(ctx, token.Mint, cfg.TradingRoute, venue.SideSell, snap.TokenUnits, cfg.SlippageBps)
	if err != nil {
		return 0, err
	}
	return lamportsToSol(q.OutputAmount), nil
}

func (s *Scheduler) dailySpend(ctx context.Context, tokenID string, now time.Time) (float64, error) {
	history, err := s.store.ListTradeHistory(ctx, tokenID, 500, 0)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-24 * time.Hour)
	var total float64
	for _, rec := range history {
		if rec.At.Before(cutoff) {
			continue
		}
		if rec.Kind == registry.TradeKindBuy || rec.Kind == registry.TradeKindSell {
			total += rec.SolAmount
		}
	}
	return total, nil
}

// tryTrade submits exactly one buy or sell per spec.md §4.5's pickFraction
// sizing and records the resulting TradeRecord.
func (s *Scheduler) tryTrade(ctx context.Context, token registry.Token, cfg registry.TokenConfig, state registry.FlywheelState) tradeOutcome {
	snap, _ := s.balances.Get(token.OpsKeyID)
	phase := state.EffectivePhase(time.Now())
	side := venue.SideBuy
	if phase == registry.PhaseSelling {
		side = venue.SideSell
	}

	fraction := simpleFraction
	if cfg.Algorithm == registry.AlgorithmTurbo {
		fraction = turboFraction
	}

	var inputAmount uint64
	if side == venue.SideBuy {
		opsSol := lamportsToSol(snap.SolLamports)
		tradeSol := opsSol * fraction
		if tradeSol < cfg.MinBuySol {
			tradeSol = cfg.MinBuySol
		}
		if cfg.MaxBuySol > 0 && tradeSol > cfg.MaxBuySol {
			tradeSol = cfg.MaxBuySol
		}
		inputAmount = solToLamports(tradeSol)
	} else {
		tradeTokens := uint64(float64(snap.TokenUnits) * fraction)
		if cfg.MaxSellTokens > 0 && tradeTokens > cfg.MaxSellTokens {
			tradeTokens = cfg.MaxSellTokens
		}
		if tradeTokens == 0 {
			tradeTokens = snap.TokenUnits
		}
		inputAmount = tradeTokens
	}

	build := func(ctx context.Context) (venue.UnsignedTx, error) {
		q, err := s.venue.Quote(ctx, token.Mint, cfg.TradingRoute, side, inputAmount, cfg.SlippageBps)
		if err != nil {
			return venue.UnsignedTx{}, err
		}
		return s.venue.BuildSwap(ctx, token.Mint, cfg.TradingRoute, q.RawQuote, token.OpsKeyID)
	}

	confirmTimeout := time.Duration(cfg.Turbo.ConfirmTimeoutSec) * time.Second
	opts := executor.DefaultOptions()
	if confirmTimeout > 0 {
		opts.PerAttemptTimeout = confirmTimeout
	}

	result, err := s.exec.Execute(ctx, build, token.OpsKeyID, opts)

	rec := registry.TradeRecord{
		TokenID: token.ID,
		Kind:    registry.TradeKind(side),
		Status:  registry.TradeStatusConfirmed,
		At:      time.Now(),
		Source:  registry.TradeSourceFlywheel,
	}
	if side == venue.SideBuy {
		rec.SolAmount = lamportsToSol(inputAmount)
	} else {
		rec.TokenAmount = inputAmount
	}
	if err != nil {
		rec.Status = registry.TradeStatusFailed
	} else {
		rec.Signature = result.Signature
	}
	if recErr := s.store.AppendTradeRecord(ctx, rec); recErr != nil && s.log != nil {
		s.log.WithError(recErr).WithField("token_id", token.ID).Error("append trade record")
	}
	if s.pub != nil {
		s.pub.Publish("transactions", rec)
	}
	outcomeLabel := "confirmed"
	if err != nil {
		outcomeLabel = "failed"
	}
	metrics.RecordFlywheelCycle(string(cfg.Algorithm), outcomeLabel)

	return tradeOutcome{tokenID: token.ID, traded: true, side: side, succeeded: err == nil}
}

// advance implements the BUYING/SELLING flip and the failure-driven
// cooldown/breaker transitions described in spec.md §4.5.
func (s *Scheduler) advance(cfg registry.TokenConfig, state registry.FlywheelState, outcome tradeOutcome, now time.Time) registry.FlywheelState {
	next := state
	next.TokenID = state.TokenID
	next.LastTradeAt = now

	if !outcome.succeeded {
		next.ConsecutiveFailures++
		if next.ConsecutiveFailures >= 5 {
			next.BreakerReason = fmt.Sprintf("%d consecutive failures", next.ConsecutiveFailures)
			next.BreakerOpenedAt = now
			return next
		}
		backoff := time.Duration(1<<uint(next.ConsecutiveFailures-1)) * time.Minute
		if backoff > 15*time.Minute {
			backoff = 15 * time.Minute
		}
		next.CooldownUntil = now.Add(backoff)
		return next
	}

	next.ConsecutiveFailures = 0
	next.CooldownUntil = time.Time{}

	phase := state.EffectivePhase(now)
	if phase == registry.PhaseBuying {
		next.Phase = registry.PhaseBuying
		next.BuyCount = state.BuyCount + 1
		if next.BuyCount >= cfg.CycleBuys() {
			next.Phase = registry.PhaseSelling
			next.SellCount = 0
		}
		return next
	}

	next.Phase = registry.PhaseSelling
	next.SellCount = state.SellCount + 1
	if next.SellCount >= cfg.CycleSells() {
		next.Phase = registry.PhaseBuying
		next.BuyCount = 0
	}
	return next
}

// ResumeToken clears an open circuit breaker for tokenID, preserving the
// persisted phase and counters so the cycle resumes where it left off.
func (s *Scheduler) ResumeToken(ctx context.Context, tokenID string) error {
	state, err := s.store.GetFlywheelState(ctx, tokenID)
	if err != nil {
		return core.Wrap("flywheel", "resumeToken", err)
	}
	state.ConsecutiveFailures = 0
	state.BreakerReason = ""
	state.BreakerOpenedAt = time.Time{}
	state.CooldownUntil = time.Time{}
	return s.store.PutFlywheelState(ctx, state)
}

func lamportsToSol(lamports uint64) float64 { return float64(lamports) / 1_000_000_000 }

func solToLamports(sol float64) uint64 {
	if sol <= 0 {
		return 0
	}
	return uint64(sol * 1_000_000_000)
}
