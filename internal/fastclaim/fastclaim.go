// Package fastclaim implements the engine's fast-claim engine (C7): sweeping
// claimable creator fees across every auto-claim-enabled token, splitting
// proceeds between the platform and the user's ops key, per spec.md §4.6.
package fastclaim

import (
	"context"
	"sync"
	"time"

	"github.com/flywheel-engine/engine/internal/core"
	"github.com/flywheel-engine/engine/internal/executor"
	"github.com/flywheel-engine/engine/internal/logger"
	"github.com/flywheel-engine/engine/internal/metrics"
	"github.com/flywheel-engine/engine/internal/registry"
	"github.com/flywheel-engine/engine/internal/venue"
)

// LamportsPerSOL is the native-asset decimal scale used throughout the
// claim/transfer accounting below.
const LamportsPerSOL = 1_000_000_000

// VenueAdapter is the subset of venue.Adapter the fast-claim engine needs.
type VenueAdapter interface {
	ListClaimable(ctx context.Context, devAddress string) ([]venue.ClaimablePosition, error)
	BuildClaim(ctx context.Context, devAddress string, mints []string) ([]venue.UnsignedTx, error)
	BuildTransfer(ctx context.Context, fromAddress, toAddress string, lamports uint64) (venue.UnsignedTx, error)
}

// Executor is the subset of executor.Executor the fast-claim engine needs.
type Executor interface {
	Execute(ctx context.Context, build executor.BuildFunc, keyID string, opts executor.Options) (executor.ExecResult, error)
}

// BalanceReader is the subset of balance.Cache the fast-claim engine needs
// to enforce "never claim if the dev key can't cover the claim tx fee".
type BalanceReader interface {
	Get(keyID string) (registry.BalanceSnapshot, bool)
}

// Publisher is the subset of adminbus.Bus the engine fans claim and
// transfer records out through.
type Publisher interface {
	Publish(channel string, payload interface{})
}

// Config controls C7's cadence, thresholds, and economics, mirroring
// spec.md §6's FAST_CLAIM_* / PLATFORM_* / *_RESERVE_SOL env vars.
type Config struct {
	IntervalSeconds     int
	ThresholdSOL        float64
	MaxConcurrentGroups int
	MaxConcurrentClaims int
	BatchDelayMs        int
	ReserveSOL          float64
	PlatformFeePct      float64
	PlatformTokenMint   string
	PlatformOpsAddress  string
	DevMinReserveSOL    float64
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		IntervalSeconds:     30,
		ThresholdSOL:        0.15,
		MaxConcurrentGroups: 10,
		MaxConcurrentClaims: 5,
		BatchDelayMs:        500,
		ReserveSOL:          0.1,
		PlatformFeePct:      10,
		DevMinReserveSOL:    0.03,
	}
}

// Engine is the C7 service.
type Engine struct {
	core.ServiceBase

	store    registry.Store
	venue    VenueAdapter
	exec     Executor
	balances BalanceReader
	keyLocks *core.KeyedMutex
	cfg      Config
	log      *logger.Logger
	pub      Publisher

	stop chan struct{}
	done chan struct{}
}

// New builds an Engine. Call Start to begin the periodic sweep. keyLocks may
// be shared with the flywheel scheduler (C8) and reactive engine (C9) so a
// claim's transfer legs never race a scheduled or reactive trade against the
// same dev key; it may be nil, in which case the Engine allocates its own.
func New(store registry.Store, v VenueAdapter, exec Executor, balances BalanceReader, keyLocks *core.KeyedMutex, cfg Config, log *logger.Logger) *Engine {
	def := DefaultConfig()
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = def.IntervalSeconds
	}
	if cfg.ThresholdSOL <= 0 {
		cfg.ThresholdSOL = def.ThresholdSOL
	}
	if cfg.MaxConcurrentGroups <= 0 {
		cfg.MaxConcurrentGroups = def.MaxConcurrentGroups
	}
	if cfg.MaxConcurrentClaims <= 0 {
		cfg.MaxConcurrentClaims = def.MaxConcurrentClaims
	}
	if cfg.ReserveSOL <= 0 {
		cfg.ReserveSOL = def.ReserveSOL
	}
	if cfg.DevMinReserveSOL <= 0 {
		cfg.DevMinReserveSOL = def.DevMinReserveSOL
	}
	if log == nil {
		log = logger.NewDefault("fast-claim")
	}
	if keyLocks == nil {
		keyLocks = core.NewKeyedMutex()
	}
	e := &Engine{
		store:    store,
		venue:    v,
		exec:     exec,
		balances: balances,
		keyLocks: keyLocks,
		cfg:      cfg,
		log:      log.Named("fast-claim"),
	}
	e.SetName("fast-claim")
	return e
}

// Start runs the sweep loop every cfg.IntervalSeconds until Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	e.MarkStarted()

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(time.Duration(e.cfg.IntervalSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
				if err := e.RunOnce(ctx); err != nil {
					e.log.WithComponent().WithError(err).Warn("fast-claim sweep failed")
				}
			}
		}
	}()
	return nil
}

// Stop signals the sweep loop to exit and waits for it, honoring the 10s
// grace window C11 imposes on every managed job.
func (e *Engine) Stop(ctx context.Context) error {
	if e.stop == nil {
		e.MarkStopped()
		return nil
	}
	close(e.stop)
	select {
	case <-e.done:
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
	}
	e.MarkStopped()
	return nil
}

type candidate struct {
	token        registry.Token
	devAddress   string
	claimableSol float64
}

// RunOnce executes one full sweep: load eligible tokens, group by dev
// address, list claimable positions per group (bounded parallelism), then
// claim qualifying positions in delayed batches.
func (e *Engine) RunOnce(ctx context.Context) error {
	tokens, err := e.store.GetActiveTokensForClaim(ctx)
	if err != nil {
		return core.Wrap("fastclaim", "RunOnce", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	groups, err := e.groupByDevAddress(ctx, tokens)
	if err != nil {
		return core.Wrap("fastclaim", "RunOnce", err)
	}

	candidates := e.listCandidates(ctx, groups)
	e.claimInBatches(ctx, candidates)
	return nil
}

// groupByDevAddress resolves each token's dev key handle and buckets tokens
// sharing the same dev address, per spec.md §4.6 step 2.
func (e *Engine) groupByDevAddress(ctx context.Context, tokens []registry.Token) (map[string][]registry.Token, error) {
	groups := make(map[string][]registry.Token)
	for _, t := range tokens {
		handle, err := e.store.GetKeyHandle(ctx, t.DevKeyID)
		if err != nil {
			e.log.WithComponent().WithField("token_id", t.ID).WithError(err).Warn("dev key handle lookup failed")
			continue
		}
		groups[handle.Address] = append(groups[handle.Address], t)
	}
	return groups, nil
}

// listCandidates calls ListClaimable per dev-address group (capped at
// MaxConcurrentGroups concurrent groups) and filters to positions at or
// above ThresholdSOL.
func (e *Engine) listCandidates(ctx context.Context, groups map[string][]registry.Token) []candidate {
	sem := make(chan struct{}, e.cfg.MaxConcurrentGroups)
	var mu sync.Mutex
	var out []candidate
	var wg sync.WaitGroup

	for devAddress, toks := range groups {
		wg.Add(1)
		go func(devAddress string, toks []registry.Token) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			positions, err := e.venue.ListClaimable(ctx, devAddress)
			if err != nil {
				e.log.WithComponent().WithField("dev_address", devAddress).WithError(err).Warn("listClaimable failed")
				return
			}
			byMint := make(map[string]float64, len(positions))
			for _, p := range positions {
				byMint[p.TokenMint] = p.ClaimableSOL
			}

			mu.Lock()
			defer mu.Unlock()
			for _, t := range toks {
				claimable, ok := byMint[t.Mint]
				if !ok || claimable < e.cfg.ThresholdSOL {
					continue
				}
				out = append(out, candidate{token: t, devAddress: devAddress, claimableSol: claimable})
			}
		}(devAddress, toks)
	}
	wg.Wait()
	return out
}

// claimInBatches runs candidates in batches of MaxConcurrentClaims with
// BatchDelayMs between batches, per spec.md §4.6 step 5.
func (e *Engine) claimInBatches(ctx context.Context, candidates []candidate) {
	for start := 0; start < len(candidates); start += e.cfg.MaxConcurrentClaims {
		end := start + e.cfg.MaxConcurrentClaims
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		var wg sync.WaitGroup
		for _, c := range batch {
			wg.Add(1)
			go func(c candidate) {
				defer wg.Done()
				e.claimOne(ctx, c)
			}(c)
		}
		wg.Wait()

		if end < len(candidates) && e.cfg.BatchDelayMs > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(e.cfg.BatchDelayMs) * time.Millisecond):
			}
		}
	}
}

// claimOne executes the claim for one token, then splits and transfers the
// proceeds. Per spec.md §4.6 invariants: never attempted if the dev key
// can't cover the claim tx fee, and the platform-token mint is never
// debited a platform fee. The whole sequence runs under the dev key's lock
// so two tokens sharing a dev address never build/send concurrently against
// it, and so it never races a scheduled or reactive trade on the same key.
func (e *Engine) claimOne(ctx context.Context, c candidate) {
	if !e.devBalanceSufficient(c.token.DevKeyID) {
		e.log.WithComponent().WithField("token_id", c.token.ID).Info("skipping claim: insufficient dev balance for tx fee")
		return
	}

	ran := e.keyLocks.TryWith(c.token.DevKeyID, func() {
		e.claimOneLocked(ctx, c)
	})
	if !ran {
		e.log.WithComponent().WithField("token_id", c.token.ID).Debug("skipping claim: dev key busy this tick")
	}
}

func (e *Engine) claimOneLocked(ctx context.Context, c candidate) {
	sig, err := e.executeClaim(ctx, c)
	if err != nil {
		e.log.WithComponent().WithField("token_id", c.token.ID).WithError(err).Warn("claim execution failed")
		metrics.RecordFastClaimRun("failed")
		return
	}
	metrics.RecordFastClaimRun("confirmed")

	transferable := c.claimableSol - e.cfg.ReserveSOL
	if transferable <= 0 {
		rec := registry.ClaimRecord{
			TokenID: c.token.ID, GrossSol: c.claimableSol, Signature: sig, At: time.Now().UTC(),
		}
		if err := e.store.AppendClaimRecord(ctx, rec); err != nil {
			e.log.WithComponent().WithField("token_id", c.token.ID).WithError(err).Error("append claim record")
		}
		if e.pub != nil {
			e.pub.Publish("transactions", rec)
		}
		return
	}

	platformFeeSol := 0.0
	if c.token.Mint != e.cfg.PlatformTokenMint {
		platformFeeSol = transferable * e.cfg.PlatformFeePct / 100
	}
	userNetSol := transferable - platformFeeSol

	opsHandle, err := e.store.GetKeyHandle(ctx, c.token.OpsKeyID)
	if err != nil {
		e.log.WithComponent().WithField("token_id", c.token.ID).WithError(err).Warn("ops key handle lookup failed")
		return
	}

	if platformFeeSol > 0 && e.cfg.PlatformOpsAddress != "" {
		e.transferLeg(ctx, c, c.devAddress, e.cfg.PlatformOpsAddress, platformFeeSol, "platform")
	}
	if userNetSol > 0 {
		e.transferLeg(ctx, c, c.devAddress, opsHandle.Address, userNetSol, "user")
	}

	rec := registry.ClaimRecord{
		TokenID:        c.token.ID,
		GrossSol:       c.claimableSol,
		PlatformFeeSol: platformFeeSol,
		UserNetSol:     userNetSol,
		Signature:      sig,
		At:             time.Now().UTC(),
	}
	if err := e.store.AppendClaimRecord(ctx, rec); err != nil {
		e.log.WithComponent().WithField("token_id", c.token.ID).WithError(err).Error("append claim record")
	}
	if e.pub != nil {
		e.pub.Publish("transactions", rec)
	}
}

// executeClaim runs spec.md §4.6 step 6a. A claim may resolve into multiple
// on-chain steps; each step is executed through its own C4 Execute call so
// every attempt still rebuilds fresh, and the first step's signature is the
// one recorded on the ClaimRecord.
func (e *Engine) executeClaim(ctx context.Context, c candidate) (string, error) {
	stepCount := 1
	firstSig := ""
	for step := 0; ; step++ {
		build := func(step int) executor.BuildFunc {
			return func(ctx context.Context) (venue.UnsignedTx, error) {
				txs, err := e.venue.BuildClaim(ctx, c.devAddress, []string{c.token.Mint})
				if err != nil {
					return venue.UnsignedTx{}, err
				}
				if step >= len(txs) {
					return venue.UnsignedTx{}, &core.PermanentProgramError{Reason: "claim step out of range"}
				}
				stepCount = len(txs)
				return txs[step], nil
			}
		}(step)

		result, err := e.exec.Execute(ctx, build, c.token.DevKeyID, executor.DefaultOptions())
		if err != nil {
			return "", err
		}
		if step == 0 {
			firstSig = result.Signature
		}
		if step+1 >= stepCount {
			return firstSig, nil
		}
	}
}

// transferLeg issues one transfer leg and records it independently — per
// spec.md §4.6 step 6b, either leg's failure doesn't roll back the other.
func (e *Engine) transferLeg(ctx context.Context, c candidate, from, to string, amountSol float64, leg string) {
	lamports := uint64(amountSol * LamportsPerSOL)
	build := func(ctx context.Context) (venue.UnsignedTx, error) {
		return e.venue.BuildTransfer(ctx, from, to, lamports)
	}
	result, err := e.exec.Execute(ctx, build, c.token.DevKeyID, executor.DefaultOptions())
	status := registry.TradeStatusConfirmed
	sig := ""
	if err != nil {
		status = registry.TradeStatusFailed
		e.log.WithComponent().WithField("token_id", c.token.ID).WithField("leg", leg).WithError(err).Warn("transfer leg failed")
	} else {
		sig = result.Signature
	}
	rec := registry.TradeRecord{
		TokenID:   c.token.ID,
		Kind:      registry.TradeKindTransfer,
		SolAmount: amountSol,
		Signature: sig,
		Status:    status,
		At:        time.Now().UTC(),
		Source:    registry.TradeSourceManual,
	}
	if err := e.store.AppendTradeRecord(ctx, rec); err != nil {
		e.log.WithComponent().WithField("token_id", c.token.ID).WithField("leg", leg).WithError(err).Error("append transfer record")
	}
	if e.pub != nil {
		e.pub.Publish("transactions", rec)
	}
}

// SetPublisher wires an admin bus (or any Publisher) so claims and transfer
// legs are fanned out on the "transactions" channel as they are recorded.
func (e *Engine) SetPublisher(pub Publisher) { e.pub = pub }

// devBalanceSufficient reports whether the dev key's cached SOL balance
// covers DevMinReserveSOL, the minimum buffer required to pay a claim's tx
// fee. An unknown (never-refreshed) balance is treated as insufficient.
func (e *Engine) devBalanceSufficient(devKeyID string) bool {
	snap, ok := e.balances.Get(devKeyID)
	if !ok {
		return false
	}
	solBalance := float64(snap.SolLamports) / LamportsPerSOL
	return solBalance >= e.cfg.DevMinReserveSOL
}
