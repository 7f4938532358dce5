package balance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flywheel-engine/engine/internal/registry"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls int
}

func (g *fakeGateway) GetLamports(ctx context.Context, address string) (uint64, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return 2_000_000_000, nil
}

func (g *fakeGateway) GetTokenAmount(ctx context.Context, ownerAddr, mint string) (uint64, error) {
	return 1_000_000, nil
}

func seedStore(t *testing.T) *registry.Memory {
	t.Helper()
	store := registry.NewMemory()
	tok := registry.Token{ID: "t1", Mint: "mint1", DevKeyID: "dev1", OpsKeyID: "ops1", Active: true}
	cfg := registry.TokenConfig{TokenID: "t1", FlywheelActive: true}
	store.Seed(tok, cfg,
		registry.KeyHandle{KeyID: "dev1", Address: "devaddr1", Kind: registry.KeyKindLocal},
		registry.KeyHandle{KeyID: "ops1", Address: "opsaddr1", Kind: registry.KeyKindLocal},
	)
	return store
}

func TestRefreshAllPopulatesSnapshotsForDevAndOpsKeys(t *testing.T) {
	store := seedStore(t)
	gw := &fakeGateway{}
	c := New(gw, store, Config{RefreshInterval: time.Minute, BatchSize: 10}, nil)

	require.NoError(t, c.RefreshAll(context.Background()))

	devSnap, ok := c.Get("dev1")
	require.True(t, ok)
	require.Equal(t, uint64(2_000_000_000), devSnap.SolLamports)

	opsSnap, ok := c.Get("ops1")
	require.True(t, ok)
	require.Equal(t, uint64(1_000_000), opsSnap.TokenUnits)
}

func TestFreshReportsStalenessByAge(t *testing.T) {
	store := seedStore(t)
	gw := &fakeGateway{}
	c := New(gw, store, Config{RefreshInterval: time.Minute, BatchSize: 10}, nil)
	require.NoError(t, c.RefreshAll(context.Background()))

	require.True(t, c.Fresh("ops1", time.Hour))
	require.False(t, c.Fresh("ops1", 0))
	require.False(t, c.Fresh("unknown-key", time.Hour))
}
