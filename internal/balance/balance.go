// Package balance implements the engine's balance cache (C6): periodic
// background refresh of SOL and token balances for every registered dev/ops
// key, exposed to the rest of the engine as cached reads guarded by a
// read/write lock.
package balance

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flywheel-engine/engine/internal/core"
	"github.com/flywheel-engine/engine/internal/logger"
	"github.com/flywheel-engine/engine/internal/registry"
)

// Gateway is the subset of chain.Gateway the balance cache needs.
type Gateway interface {
	GetLamports(ctx context.Context, address string) (uint64, error)
	GetTokenAmount(ctx context.Context, ownerAddr, mint string) (uint64, error)
}

// Publisher is the subset of adminbus.Bus the cache fans refreshed snapshots
// out through.
type Publisher interface {
	Publish(channel string, payload interface{})
}

// Config controls C6's refresh cadence and batching, mirroring
// BALANCE_UPDATE_INTERVAL_SECONDS / BALANCE_UPDATE_BATCH_SIZE.
type Config struct {
	RefreshInterval time.Duration
	BatchSize       int
}

// DefaultConfig mirrors spec.md's C6 defaults (300s / 50).
func DefaultConfig() Config {
	return Config{RefreshInterval: 300 * time.Second, BatchSize: 50}
}

// keyRef is one (key, mint) pair the cache refreshes together: SOL balance
// on the key's address, plus the associated token's balance if mint is set.
type keyRef struct {
	keyID   string
	address string
	mint    string
}

// Cache is the C6 service. Reads take a read lock and return a copy of the
// stored snapshot, so readers never race with the refresh goroutine; a
// refresh updates the shared map in place under the write lock (it is not a
// copy-on-write map).
type Cache struct {
	core.ServiceBase

	gw    Gateway
	store registry.Store
	cfg   Config
	log   *logger.Logger
	cr    *cron.Cron
	pub   Publisher

	mu        sync.RWMutex
	snapshots map[string]registry.BalanceSnapshot // keyID -> snapshot
}

// New builds a Cache. Call Start to begin the cron-driven background
// refresh; RefreshAll/RefreshKey can be called directly before Start for an
// initial warm-up.
func New(gw Gateway, store registry.Store, cfg Config, log *logger.Logger) *Cache {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultConfig().RefreshInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if log == nil {
		log = logger.NewDefault("balance-cache")
	}
	c := &Cache{
		gw:        gw,
		store:     store,
		cfg:       cfg,
		log:       log.Named("balance-cache"),
		snapshots: make(map[string]registry.BalanceSnapshot),
	}
	c.SetName("balance-cache")
	return c
}

// SetPublisher wires an admin bus (or any Publisher) so every refreshed
// snapshot is fanned out on the "balance_updates" channel.
func (c *Cache) SetPublisher(pub Publisher) { c.pub = pub }

// Start registers the cron-driven refresh job and performs an initial
// synchronous refresh so the cache isn't empty on first use.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.RefreshAll(ctx); err != nil {
		c.log.WithComponent().WithError(err).Warn("initial balance refresh failed")
	}

	c.cr = cron.New()
	spec := "@every " + c.cfg.RefreshInterval.String()
	if _, err := c.cr.AddFunc(spec, func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshInterval)
		defer cancel()
		if err := c.RefreshAll(refreshCtx); err != nil {
			c.log.WithComponent().WithError(err).Warn("scheduled balance refresh failed")
		}
	}); err != nil {
		return err
	}
	c.cr.Start()
	c.MarkStarted()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight refresh to finish.
func (c *Cache) Stop(ctx context.Context) error {
	if c.cr != nil {
		stopCtx := c.cr.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	c.MarkStopped()
	return nil
}

// RefreshAll refreshes every dev/ops key belonging to a token the engine
// currently cares about (flywheel, claim, or reactive eligible), in batches
// of cfg.BatchSize with bounded concurrency per batch.
func (c *Cache) RefreshAll(ctx context.Context) error {
	refs, err := c.collectKeyRefs(ctx)
	if err != nil {
		return core.Wrap("balance", "RefreshAll", err)
	}

	for start := 0; start < len(refs); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(refs) {
			end = len(refs)
		}
		c.refreshBatch(ctx, refs[start:end])
	}
	return nil
}

func (c *Cache) refreshBatch(ctx context.Context, batch []keyRef) {
	var wg sync.WaitGroup
	for _, ref := range batch {
		wg.Add(1)
		go func(ref keyRef) {
			defer wg.Done()
			if _, err := c.RefreshKey(ctx, ref.keyID, ref.address, ref.mint); err != nil {
				c.log.WithComponent().WithField("key_id", ref.keyID).WithError(err).Warn("balance refresh failed")
			}
		}(ref)
	}
	wg.Wait()
}

// RefreshKey fetches address's SOL balance and, if mint is non-empty, its
// balance of mint, storing the result as a fresh snapshot.
func (c *Cache) RefreshKey(ctx context.Context, keyID, address, mint string) (registry.BalanceSnapshot, error) {
	lamports, err := c.gw.GetLamports(ctx, address)
	if err != nil {
		return registry.BalanceSnapshot{}, err
	}
	var tokenUnits uint64
	if mint != "" {
		tokenUnits, err = c.gw.GetTokenAmount(ctx, address, mint)
		if err != nil {
			return registry.BalanceSnapshot{}, err
		}
	}
	snap := registry.BalanceSnapshot{
		KeyID:       keyID,
		SolLamports: lamports,
		TokenUnits:  tokenUnits,
		At:          time.Now().UTC(),
	}
	c.mu.Lock()
	c.snapshots[keyID] = snap
	c.mu.Unlock()
	if c.pub != nil {
		c.pub.Publish("balance_updates", snap)
	}
	return snap, nil
}

// Get returns the cached snapshot for keyID, if any.
func (c *Cache) Get(keyID string) (registry.BalanceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[keyID]
	return snap, ok
}

// Fresh reports whether keyID's cached snapshot is within maxAge.
func (c *Cache) Fresh(keyID string, maxAge time.Duration) bool {
	snap, ok := c.Get(keyID)
	if !ok {
		return false
	}
	return time.Since(snap.At) <= maxAge
}

func (c *Cache) collectKeyRefs(ctx context.Context) ([]keyRef, error) {
	seen := make(map[string]keyRef)

	add := func(t registry.Token) {
		seen[t.DevKeyID] = keyRef{keyID: t.DevKeyID}
		if ref, ok := seen[t.OpsKeyID]; !ok || ref.mint == "" {
			seen[t.OpsKeyID] = keyRef{keyID: t.OpsKeyID, mint: t.Mint}
		}
	}

	flywheelTokens, err := c.store.GetActiveTokensForFlywheel(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range flywheelTokens {
		add(t)
	}
	claimTokens, err := c.store.GetActiveTokensForClaim(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range claimTokens {
		add(t)
	}
	reactiveTokens, err := c.store.GetReactiveTokens(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range reactiveTokens {
		add(t)
	}

	out := make([]keyRef, 0, len(seen))
	for keyID, ref := range seen {
		handle, err := c.store.GetKeyHandle(ctx, keyID)
		if err != nil {
			c.log.WithComponent().WithField("key_id", keyID).WithError(err).Warn("key handle lookup failed")
			continue
		}
		ref.address = handle.Address
		out = append(out, ref)
	}
	return out, nil
}

