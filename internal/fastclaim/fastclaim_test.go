package fastclaim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flywheel-engine/engine/internal/executor"
	"github.com/flywheel-engine/engine/internal/registry"
	"github.com/flywheel-engine/engine/internal/venue"
)

type fakeVenue struct {
	claimable map[string]float64 // devAddress -> claimableSol (single mint per test)
	mint      string
}

func (v *fakeVenue) ListClaimable(ctx context.Context, devAddress string) ([]venue.ClaimablePosition, error) {
	sol, ok := v.claimable[devAddress]
	if !ok {
		return nil, nil
	}
	return []venue.ClaimablePosition{{TokenMint: v.mint, ClaimableSOL: sol}}, nil
}

func (v *fakeVenue) BuildClaim(ctx context.Context, devAddress string, mints []string) ([]venue.UnsignedTx, error) {
	return []venue.UnsignedTx{{Raw: []byte("claim")}}, nil
}

func (v *fakeVenue) BuildTransfer(ctx context.Context, from, to string, lamports uint64) (venue.UnsignedTx, error) {
	return venue.UnsignedTx{Raw: []byte("transfer")}, nil
}

type fakeExecutor struct{}

func (fakeExecutor) Execute(ctx context.Context, build executor.BuildFunc, keyID string, opts executor.Options) (executor.ExecResult, error) {
	if _, err := build(ctx); err != nil {
		return executor.ExecResult{}, err
	}
	return executor.ExecResult{Signature: "sig-" + keyID, Attempts: 1}, nil
}

type fakeBalances struct{ sol map[string]uint64 }

func (b fakeBalances) Get(keyID string) (registry.BalanceSnapshot, bool) {
	lamports, ok := b.sol[keyID]
	if !ok {
		return registry.BalanceSnapshot{}, false
	}
	return registry.BalanceSnapshot{KeyID: keyID, SolLamports: lamports}, true
}

func seed(t *testing.T, mint string) *registry.Memory {
	t.Helper()
	store := registry.NewMemory()
	store.Seed(
		registry.Token{ID: "t1", Mint: mint, DevKeyID: "dev1", OpsKeyID: "ops1", Active: true},
		registry.TokenConfig{TokenID: "t1", AutoClaimEnabled: true},
		registry.KeyHandle{KeyID: "dev1", Address: "devaddr1"},
		registry.KeyHandle{KeyID: "ops1", Address: "opsaddr1"},
	)
	return store
}

// TestClaimSplitsPlatformFee covers spec.md scenario S2.
func TestClaimSplitsPlatformFee(t *testing.T) {
	store := seed(t, "mintA")
	v := &fakeVenue{claimable: map[string]float64{"devaddr1": 1.00}, mint: "mintA"}
	balances := fakeBalances{sol: map[string]uint64{"dev1": 1_000_000_000}}

	cfg := DefaultConfig()
	cfg.PlatformOpsAddress = "platform-ops"
	e := New(store, v, fakeExecutor{}, balances, nil, cfg, nil)

	require.NoError(t, e.RunOnce(context.Background()))

	history, err := store.ListTradeHistory(context.Background(), "t1", 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	var platformAmt, userAmt float64
	for _, rec := range history {
		require.Equal(t, registry.TradeKindTransfer, rec.Kind)
		require.Equal(t, registry.TradeStatusConfirmed, rec.Status)
		if rec.SolAmount < 0.5 {
			platformAmt = rec.SolAmount
		} else {
			userAmt = rec.SolAmount
		}
	}
	require.InDelta(t, 0.09, platformAmt, 1e-9)
	require.InDelta(t, 0.81, userAmt, 1e-9)
}

// TestPlatformTokenExemptFromFee covers spec.md scenario S3.
func TestPlatformTokenExemptFromFee(t *testing.T) {
	store := seed(t, "platform-mint")
	v := &fakeVenue{claimable: map[string]float64{"devaddr1": 1.00}, mint: "platform-mint"}
	balances := fakeBalances{sol: map[string]uint64{"dev1": 1_000_000_000}}

	cfg := DefaultConfig()
	cfg.PlatformTokenMint = "platform-mint"
	cfg.PlatformOpsAddress = "platform-ops"
	e := New(store, v, fakeExecutor{}, balances, nil, cfg, nil)

	require.NoError(t, e.RunOnce(context.Background()))

	history, err := store.ListTradeHistory(context.Background(), "t1", 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.InDelta(t, 0.9, history[0].SolAmount, 1e-9)
}

func TestClaimSkippedBelowThreshold(t *testing.T) {
	store := seed(t, "mintA")
	v := &fakeVenue{claimable: map[string]float64{"devaddr1": 0.05}, mint: "mintA"}
	balances := fakeBalances{sol: map[string]uint64{"dev1": 1_000_000_000}}

	e := New(store, v, fakeExecutor{}, balances, nil, DefaultConfig(), nil)
	require.NoError(t, e.RunOnce(context.Background()))

	history, err := store.ListTradeHistory(context.Background(), "t1", 10, 0)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestClaimSkippedOnInsufficientDevBalance(t *testing.T) {
	store := seed(t, "mintA")
	v := &fakeVenue{claimable: map[string]float64{"devaddr1": 1.0}, mint: "mintA"}
	balances := fakeBalances{sol: map[string]uint64{"dev1": 0}}

	e := New(store, v, fakeExecutor{}, balances, nil, DefaultConfig(), nil)
	require.NoError(t, e.RunOnce(context.Background()))

	history, err := store.ListTradeHistory(context.Background(), "t1", 10, 0)
	require.NoError(t, err)
	require.Empty(t, history)
}

// TestClaimOneSkipsWhenDevKeyLocked covers spec.md §5's per-key
// serialization guarantee: a claim must never build/send against a dev key
// that a concurrent flywheel or reactive trade already holds.
func TestClaimOneSkipsWhenDevKeyLocked(t *testing.T) {
	store := seed(t, "mintA")
	v := &fakeVenue{claimable: map[string]float64{"devaddr1": 1.0}, mint: "mintA"}
	balances := fakeBalances{sol: map[string]uint64{"dev1": 1_000_000_000}}
	e := New(store, v, fakeExecutor{}, balances, nil, DefaultConfig(), nil)

	locked := make(chan struct{})
	release := make(chan struct{})
	go e.keyLocks.TryWith("dev1", func() {
		close(locked)
		<-release
	})
	<-locked
	defer close(release)

	require.NoError(t, e.RunOnce(context.Background()))

	history, err := store.ListTradeHistory(context.Background(), "t1", 10, 0)
	require.NoError(t, err)
	require.Empty(t, history)
}
