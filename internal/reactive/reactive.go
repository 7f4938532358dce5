// Package reactive implements the reactive engine (C9): one shared log
// subscription over every reactive-enabled token's mint, and a
// parse-dedup-settle-extract-cooldown pipeline that submits a small
// counter-trade against large third-party swaps.
package reactive

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flywheel-engine/engine/internal/chain"
	"github.com/flywheel-engine/engine/internal/core"
	"github.com/flywheel-engine/engine/internal/executor"
	"github.com/flywheel-engine/engine/internal/logger"
	"github.com/flywheel-engine/engine/internal/metrics"
	"github.com/flywheel-engine/engine/internal/registry"
	"github.com/flywheel-engine/engine/internal/venue"
)

// Gateway is the subset of chain.Gateway the reactive engine drives.
type Gateway interface {
	SubscribeLogs(ctx context.Context, wsURL string, mentions []string) (*chain.LogSubscription, error)
	GetParsedTransaction(ctx context.Context, sig string) (*chain.ParsedTx, error)
}

// VenueAdapter is the subset of venue.Adapter the reactive engine drives.
type VenueAdapter interface {
	Quote(ctx context.Context, mint string, route venue.Route, side venue.Side, inputAmount uint64, slippageBps int) (venue.Quote, error)
	BuildSwap(ctx context.Context, mint string, route venue.Route, rawQuote json.RawMessage, signerAddress string) (venue.UnsignedTx, error)
}

// Executor is the subset of executor.Executor the reactive engine drives.
type Executor interface {
	Execute(ctx context.Context, build executor.BuildFunc, keyID string, opts executor.Options) (executor.ExecResult, error)
}

// BalanceReader is the subset of balance.Cache the reactive engine reads.
type BalanceReader interface {
	Get(keyID string) (registry.BalanceSnapshot, bool)
}

// Publisher is the subset of adminbus.Bus the engine fans trigger detections
// and resulting counter-trades out through.
type Publisher interface {
	Publish(channel string, payload interface{})
}

// Config tunes the reactive pipeline.
type Config struct {
	WSURL              string
	SettleDelay        time.Duration
	ReconcileInterval  time.Duration
	DedupMaxEntries    int
	AllowedLogMarkers  []string
}

// DefaultConfig mirrors spec.md §4.7's connection/pipeline defaults.
func DefaultConfig() Config {
	return Config{
		SettleDelay:       200 * time.Millisecond,
		ReconcileInterval: 60 * time.Second,
		DedupMaxEntries:   2000,
		AllowedLogMarkers: []string{"Instruction: Swap", "Instruction: Buy", "Instruction: Sell"},
	}
}

// Engine runs the reactive counter-trade pipeline.
type Engine struct {
	core.ServiceBase

	gw       Gateway
	store    registry.Store
	venue    VenueAdapter
	exec     Executor
	balances BalanceReader
	keyLocks *core.KeyedMutex
	cfg      Config
	log      *logger.Logger
	pub      Publisher

	mu              sync.Mutex
	activeMints     map[string]registry.Token // mint -> token
	subscribedMints []string                  // mint set the live subscription covers
	lastTradeAt     map[string]time.Time      // tokenID -> last counter-trade time
	addrCache       map[string]string         // keyID -> address

	dedup *dedupSet

	stop chan struct{}
	done chan struct{}
}

// New builds an Engine. keyLocks should be shared with the flywheel
// scheduler (C8) so a scheduled trade and a reactive counter-trade never
// race against the same ops key.
func New(gw Gateway, store registry.Store, v VenueAdapter, exec Executor, balances BalanceReader, keyLocks *core.KeyedMutex, cfg Config, log *logger.Logger) *Engine {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 200 * time.Millisecond
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 60 * time.Second
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if keyLocks == nil {
		keyLocks = core.NewKeyedMutex()
	}
	e := &Engine{
		gw:          gw,
		store:       store,
		venue:       v,
		exec:        exec,
		balances:    balances,
		keyLocks:    keyLocks,
		cfg:         cfg,
		log:         log,
		activeMints: make(map[string]registry.Token),
		lastTradeAt: make(map[string]time.Time),
		addrCache:   make(map[string]string),
		dedup:       newDedupSet(cfg.DedupMaxEntries),
	}
	e.SetName("reactive-engine")
	return e
}

// SetPublisher wires an admin bus (or any Publisher) so trigger detections
// and counter-trades are fanned out as they happen.
func (e *Engine) SetPublisher(pub Publisher) { e.pub = pub }

// Start begins the subscribe/reconcile/consume loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.reconcile(ctx); err != nil {
		return core.Wrap("reactive", "initialReconcile", err)
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	e.MarkStarted()
	go e.run(ctx)
	return nil
}

// Stop signals the consume loop to exit.
func (e *Engine) Stop(ctx context.Context) error {
	if e.stop == nil {
		e.MarkStopped()
		return nil
	}
	close(e.stop)
	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.MarkStopped()
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	mentions := e.mentionList()
	sub, err := e.gw.SubscribeLogs(ctx, e.cfg.WSURL, mentions)
	if err != nil {
		if e.log != nil {
			e.log.WithError(err).Error("reactive subscribe failed")
		}
		return
	}
	e.setSubscribedMints(mentions)

	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			sub.Close()
			return
		case <-ctx.Done():
			sub.Close()
			return
		case <-ticker.C:
			if err := e.reconcile(ctx); err != nil && e.log != nil {
				e.log.WithError(err).Warn("reactive reconcile failed")
			}
			mentions := e.mentionList()
			if e.mentionsChanged(mentions) {
				sub.Close()
				newSub, err := e.gw.SubscribeLogs(ctx, e.cfg.WSURL, mentions)
				if err != nil {
					if e.log != nil {
						e.log.WithError(err).Error("reactive resubscribe failed")
					}
					return
				}
				sub = newSub
				e.setSubscribedMints(mentions)
			}
		case notif, ok := <-sub.Notifications:
			if !ok {
				if err := sub.Err(); err != nil && e.log != nil {
					e.log.WithError(err).Warn("reactive subscription dropped")
				}
				mentions := e.mentionList()
				sub, err = e.gw.SubscribeLogs(ctx, e.cfg.WSURL, mentions)
				if err != nil {
					if e.log != nil {
						e.log.WithError(err).Error("reactive resubscribe failed")
					}
					return
				}
				e.setSubscribedMints(mentions)
				continue
			}
			go e.handleNotification(ctx, notif)
		}
	}
}

func (e *Engine) setSubscribedMints(mints []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribedMints = append([]string(nil), mints...)
}

// mentionsChanged reports whether mints differs from the currently
// subscribed set, ignoring order.
func (e *Engine) mentionsChanged(mints []string) bool {
	e.mu.Lock()
	current := append([]string(nil), e.subscribedMints...)
	e.mu.Unlock()

	if len(current) != len(mints) {
		return true
	}
	a := append([]string(nil), current...)
	b := append([]string(nil), mints...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}

// reconcile refreshes the active reactive-token mint set from the store.
func (e *Engine) reconcile(ctx context.Context) error {
	tokens, err := e.store.GetReactiveTokens(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]registry.Token, len(tokens))
	for _, tok := range tokens {
		next[tok.Mint] = tok
	}
	e.mu.Lock()
	e.activeMints = next
	e.mu.Unlock()
	return nil
}

func (e *Engine) mentionList() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.activeMints))
	for mint := range e.activeMints {
		out = append(out, mint)
	}
	return out
}

func (e *Engine) handleNotification(ctx context.Context, notif chain.LogNotification) {
	if notif.Err != "" {
		return
	}
	if !containsAllowedMarker(notif.Logs, e.cfg.AllowedLogMarkers) {
		return
	}
	if !e.dedup.addIfNew(notif.Signature) {
		return
	}

	select {
	case <-time.After(e.cfg.SettleDelay):
	case <-ctx.Done():
		return
	}

	tx, err := e.gw.GetParsedTransaction(ctx, notif.Signature)
	if err != nil || tx == nil || tx.Err != "" {
		return
	}

	token, ok := e.matchToken(tx)
	if !ok {
		return
	}

	devAddr := e.resolveAddress(ctx, token.DevKeyID)
	opsAddr := e.resolveAddress(ctx, token.OpsKeyID)
	if tx.FeePayer != "" && (tx.FeePayer == opsAddr || tx.FeePayer == devAddr) {
		return // never counter-trade our own fee-payer's transaction
	}

	side, triggerSol, ok := extractTrigger(tx, token.Mint)
	if !ok {
		return
	}

	cfg, err := e.store.GetTokenConfig(ctx, token.ID)
	if err != nil || !cfg.Reactive.Enabled {
		return
	}
	if triggerSol < cfg.Reactive.MinTriggerSol {
		return
	}
	if !e.cooldownElapsed(token.ID, cfg) {
		return
	}

	if e.pub != nil {
		e.pub.Publish("reactive_events", map[string]interface{}{
			"token_id":    token.ID,
			"mint":        token.Mint,
			"trigger_sol": triggerSol,
			"side":        string(side),
			"signature":   notif.Signature,
		})
	}

	e.counterTrade(ctx, token, cfg, opposite(side), triggerSol)
}

func (e *Engine) resolveAddress(ctx context.Context, keyID string) string {
	if keyID == "" {
		return ""
	}
	e.mu.Lock()
	if addr, ok := e.addrCache[keyID]; ok {
		e.mu.Unlock()
		return addr
	}
	e.mu.Unlock()

	handle, err := e.store.GetKeyHandle(ctx, keyID)
	if err != nil {
		return ""
	}
	e.mu.Lock()
	e.addrCache[keyID] = handle.Address
	e.mu.Unlock()
	return handle.Address
}

func (e *Engine) matchToken(tx *chain.ParsedTx) (registry.Token, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, deltas := range tx.TokenDeltas {
		for mint := range deltas {
			if tok, ok := e.activeMints[mint]; ok {
				return tok, true
			}
		}
	}
	return registry.Token{}, false
}

func (e *Engine) cooldownElapsed(tokenID string, cfg registry.TokenConfig) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastTradeAt[tokenID]
	if !ok {
		return true
	}
	cooldown := time.Duration(cfg.Reactive.CooldownMs) * time.Millisecond
	return time.Since(last) >= cooldown
}

func (e *Engine) markTraded(tokenID string) {
	e.mu.Lock()
	e.lastTradeAt[tokenID] = time.Now()
	e.mu.Unlock()
}

// extractTrigger reads the fee payer's own balance deltas to determine what
// they did: received tokens (bought) or gave up tokens (sold), and how much
// SOL moved in the process. When the fee payer's change in mint isn't
// attributable (no token delta recorded for them at all, e.g. a native-SOL
// leg of a swap routed through an intermediate account), it falls back to
// the sign of their lamport delta alone, per spec.md §4.7 step 6.
func extractTrigger(tx *chain.ParsedTx, mint string) (venue.Side, float64, bool) {
	lamportDelta := tx.LamportDelta[tx.FeePayer]
	tokenDelta, attributable := tx.TokenDeltas[tx.FeePayer][mint]

	var side venue.Side
	switch {
	case attributable && tokenDelta > 0 && lamportDelta < 0:
		side = venue.SideBuy
	case attributable && tokenDelta < 0 && lamportDelta > 0:
		side = venue.SideSell
	case lamportDelta < 0:
		side = venue.SideBuy
	case lamportDelta > 0:
		side = venue.SideSell
	default:
		return "", 0, false
	}

	// solAmount = max(|Δsol|, max sol-change observed in any account).
	maxLamports := math.Abs(float64(lamportDelta))
	for _, d := range tx.LamportDelta {
		if abs := math.Abs(float64(d)); abs > maxLamports {
			maxLamports = abs
		}
	}
	sol := maxLamports / 1_000_000_000
	if sol <= 0 {
		return "", 0, false
	}
	return side, sol, true
}

func opposite(side venue.Side) venue.Side {
	if side == venue.SideBuy {
		return venue.SideSell
	}
	return venue.SideBuy
}

// counterTrade submits a response of pct = min(ScalePercent · triggerSol,
// MaxResponsePercent) percent of the ops key's SOL (buy) or token position
// (sell).
func (e *Engine) counterTrade(ctx context.Context, token registry.Token, cfg registry.TokenConfig, side venue.Side, triggerSol float64) {
	snap, ok := e.balances.Get(token.OpsKeyID)
	if !ok {
		return
	}

	pct := math.Min(cfg.Reactive.ScalePercent*triggerSol, cfg.Reactive.MaxResponsePercent) / 100

	var inputAmount uint64
	if side == venue.SideBuy {
		opsSol := float64(snap.SolLamports) / 1_000_000_000
		tradeSol := opsSol * pct
		if tradeSol <= 0 {
			return
		}
		inputAmount = uint64(tradeSol * 1_000_000_000)
	} else {
		tradeTokens := float64(snap.TokenUnits) * pct
		if tradeTokens <= 0 {
			return
		}
		inputAmount = uint64(tradeTokens)
	}

	var traded bool
	e.keyLocks.TryWith(token.OpsKeyID, func() {
		traded = true
		build := func(ctx context.Context) (venue.UnsignedTx, error) {
			q, err := e.venue.Quote(ctx, token.Mint, cfg.TradingRoute, side, inputAmount, cfg.SlippageBps)
			if err != nil {
				return venue.UnsignedTx{}, err
			}
			return e.venue.BuildSwap(ctx, token.Mint, cfg.TradingRoute, q.RawQuote, token.OpsKeyID)
		}
		result, err := e.exec.Execute(ctx, build, token.OpsKeyID, executor.DefaultOptions())

		rec := registry.TradeRecord{
			TokenID: token.ID,
			Kind:    registry.TradeKind(side),
			Status:  registry.TradeStatusConfirmed,
			At:      time.Now(),
			Source:  registry.TradeSourceReactive,
		}
		if side == venue.SideBuy {
			rec.SolAmount = float64(inputAmount) / 1_000_000_000
		} else {
			rec.TokenAmount = inputAmount
		}
		if err != nil {
			rec.Status = registry.TradeStatusFailed
		} else {
			rec.Signature = result.Signature
		}
		if recErr := e.store.AppendTradeRecord(ctx, rec); recErr != nil && e.log != nil {
			e.log.WithError(recErr).WithField("token_id", token.ID).Error("append reactive trade record")
		}
		if e.pub != nil {
			e.pub.Publish("transactions", rec)
		}
		outcomeLabel := "confirmed"
		if err != nil {
			outcomeLabel = "failed"
		}
		metrics.RecordReactiveTrade(outcomeLabel)
	})
	if traded {
		e.markTraded(token.ID)
	}
}

func containsAllowedMarker(logs []string, markers []string) bool {
	if len(markers) == 0 {
		return true
	}
	for _, line := range logs {
		for _, marker := range markers {
			if strings.Contains(line, marker) {
				return true
			}
		}
	}
	return false
}

// dedupSet is a signature dedup window bounded at maxEntries. When full, it
// evicts the oldest half to make room rather than growing unbounded.
type dedupSet struct {
	mu      sync.Mutex
	order   []string
	seen    map[string]struct{}
	maxSize int
}

func newDedupSet(maxSize int) *dedupSet {
	return &dedupSet{seen: make(map[string]struct{}), maxSize: maxSize}
}

// addIfNew records sig and returns true if it had not been seen before.
func (d *dedupSet) addIfNew(sig string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[sig]; ok {
		return false
	}
	if len(d.order) >= d.maxSize {
		half := len(d.order) / 2
		for _, old := range d.order[:half] {
			delete(d.seen, old)
		}
		d.order = append([]string(nil), d.order[half:]...)
	}
	d.seen[sig] = struct{}{}
	d.order = append(d.order, sig)
	return true
}
