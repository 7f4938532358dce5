package reactive

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flywheel-engine/engine/internal/chain"
	"github.com/flywheel-engine/engine/internal/executor"
	"github.com/flywheel-engine/engine/internal/registry"
	"github.com/flywheel-engine/engine/internal/venue"
)

type fakeGateway struct {
	tx *chain.ParsedTx
}

func (g *fakeGateway) SubscribeLogs(ctx context.Context, wsURL string, mentions []string) (*chain.LogSubscription, error) {
	return nil, nil
}

func (g *fakeGateway) GetParsedTransaction(ctx context.Context, sig string) (*chain.ParsedTx, error) {
	return g.tx, nil
}

type fakeVenue struct{}

func (fakeVenue) Quote(ctx context.Context, mint string, route venue.Route, side venue.Side, inputAmount uint64, slippageBps int) (venue.Quote, error) {
	return venue.Quote{OutputAmount: inputAmount, RawQuote: json.RawMessage(`{}`)}, nil
}

func (fakeVenue) BuildSwap(ctx context.Context, mint string, route venue.Route, rawQuote json.RawMessage, signerAddress string) (venue.UnsignedTx, error) {
	return venue.UnsignedTx{Raw: []byte("swap")}, nil
}

type fakeExecutor struct{}

func (fakeExecutor) Execute(ctx context.Context, build executor.BuildFunc, keyID string, opts executor.Options) (executor.ExecResult, error) {
	if _, err := build(ctx); err != nil {
		return executor.ExecResult{}, err
	}
	return executor.ExecResult{Signature: "sig", Attempts: 1}, nil
}

type fakeBalances struct {
	sol    uint64
	tokens uint64
}

func (b fakeBalances) Get(keyID string) (registry.BalanceSnapshot, bool) {
	return registry.BalanceSnapshot{KeyID: keyID, SolLamports: b.sol, TokenUnits: b.tokens}, true
}

func seed(t *testing.T) *registry.Memory {
	t.Helper()
	store := registry.NewMemory()
	cfg := registry.DefaultTokenConfig("t1", registry.AlgorithmReactive)
	cfg.Reactive.Enabled = true
	cfg.Reactive.MinTriggerSol = 1.0
	cfg.Reactive.ScalePercent = 10
	cfg.Reactive.MaxResponsePercent = 80
	store.Seed(
		registry.Token{ID: "t1", Mint: "mintA", OpsKeyID: "ops1", DevKeyID: "dev1", Active: true},
		cfg,
		registry.KeyHandle{KeyID: "ops1", Address: "opsaddr1"},
		registry.KeyHandle{KeyID: "dev1", Address: "devaddr1"},
	)
	return store
}

// TestReactiveSellsAgainstLargeBuy covers spec.md scenario S4: a third
// party buying a large amount triggers a small counter-sell.
func TestReactiveSellsAgainstLargeBuy(t *testing.T) {
	store := seed(t)
	tx := &chain.ParsedTx{
		Signature:    "sig1",
		FeePayer:     "trader1",
		LamportDelta: map[string]int64{"trader1": -2_000_000_000},
		TokenDeltas:  map[string]map[string]int64{"trader1": {"mintA": 500}},
	}
	gw := &fakeGateway{tx: tx}
	balances := fakeBalances{sol: 5_000_000_000, tokens: 1_000_000}
	e := New(gw, store, fakeVenue{}, fakeExecutor{}, balances, nil, DefaultConfig(), nil)

	require.NoError(t, e.reconcile(context.Background()))
	e.handleNotification(context.Background(), chain.LogNotification{
		Signature: "sig1",
		Logs:      []string{"Program log: Instruction: Swap"},
	})

	history, err := store.ListTradeHistory(context.Background(), "t1", 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, registry.TradeKindSell, history[0].Kind)
	require.Equal(t, registry.TradeSourceReactive, history[0].Source)
}

// TestReactiveSkipsOwnFeePayer covers the fee-payer-echo exclusion: a
// notification whose fee payer is our own ops or dev key must never
// trigger a counter-trade.
func TestReactiveSkipsOwnFeePayer(t *testing.T) {
	store := seed(t)
	tx := &chain.ParsedTx{
		Signature:    "sig2",
		FeePayer:     "opsaddr1",
		LamportDelta: map[string]int64{"opsaddr1": -2_000_000_000},
		TokenDeltas:  map[string]map[string]int64{"opsaddr1": {"mintA": 500}},
	}
	gw := &fakeGateway{tx: tx}
	balances := fakeBalances{sol: 5_000_000_000, tokens: 1_000_000}
	e := New(gw, store, fakeVenue{}, fakeExecutor{}, balances, nil, DefaultConfig(), nil)

	require.NoError(t, e.reconcile(context.Background()))
	e.handleNotification(context.Background(), chain.LogNotification{
		Signature: "sig2",
		Logs:      []string{"Program log: Instruction: Swap"},
	})

	history, err := store.ListTradeHistory(context.Background(), "t1", 10, 0)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestDedupSetEvictsOldestHalfWhenFull(t *testing.T) {
	d := newDedupSet(4)
	require.True(t, d.addIfNew("a"))
	require.True(t, d.addIfNew("b"))
	require.True(t, d.addIfNew("c"))
	require.True(t, d.addIfNew("d"))
	require.False(t, d.addIfNew("a"))

	require.True(t, d.addIfNew("e"))
	require.True(t, d.addIfNew("a"))
}

func TestExtractTriggerDetectsBuyAndSell(t *testing.T) {
	buy := &chain.ParsedTx{
		FeePayer:     "trader1",
		LamportDelta: map[string]int64{"trader1": -1_000_000_000},
		TokenDeltas:  map[string]map[string]int64{"trader1": {"mintA": 100}},
	}
	side, sol, ok := extractTrigger(buy, "mintA")
	require.True(t, ok)
	require.Equal(t, venue.SideBuy, side)
	require.InDelta(t, 1.0, sol, 1e-9)

	sell := &chain.ParsedTx{
		FeePayer:     "trader1",
		LamportDelta: map[string]int64{"trader1": 1_000_000_000},
		TokenDeltas:  map[string]map[string]int64{"trader1": {"mintA": -100}},
	}
	side, sol, ok = extractTrigger(sell, "mintA")
	require.True(t, ok)
	require.Equal(t, venue.SideSell, side)
	require.InDelta(t, 1.0, sol, 1e-9)
}

// TestExtractTriggerFallsBackToLamportSign covers spec.md §4.7 step 6's
// fallback: when the fee payer's mint balance isn't attributable at all
// (e.g. they swapped through an intermediate account), classify buy/sell by
// the sign of their own SOL delta alone.
func TestExtractTriggerFallsBackToLamportSign(t *testing.T) {
	boughtViaIntermediate := &chain.ParsedTx{
		FeePayer:     "trader1",
		LamportDelta: map[string]int64{"trader1": -1_000_000_000},
		TokenDeltas:  map[string]map[string]int64{"trader1": {"mintB": 100}},
	}
	side, sol, ok := extractTrigger(boughtViaIntermediate, "mintA")
	require.True(t, ok)
	require.Equal(t, venue.SideBuy, side)
	require.InDelta(t, 1.0, sol, 1e-9)

	soldViaIntermediate := &chain.ParsedTx{
		FeePayer:     "trader1",
		LamportDelta: map[string]int64{"trader1": 1_000_000_000},
	}
	side, sol, ok = extractTrigger(soldViaIntermediate, "mintA")
	require.True(t, ok)
	require.Equal(t, venue.SideSell, side)
	require.InDelta(t, 1.0, sol, 1e-9)
}

// TestExtractTriggerUsesLargestObservedSolSwing covers spec.md §4.7 step 6's
// solAmount = max(|Δsol|, max sol-change observed in any account): a
// non-fee-payer account's larger SOL swing (e.g. the pool's own reserve
// account) must win over the fee payer's smaller one.
func TestExtractTriggerUsesLargestObservedSolSwing(t *testing.T) {
	tx := &chain.ParsedTx{
		FeePayer: "trader1",
		LamportDelta: map[string]int64{
			"trader1": -1_000_000_000,
			"pool1":   5_000_000_000,
		},
		TokenDeltas: map[string]map[string]int64{"trader1": {"mintA": 100}},
	}
	side, sol, ok := extractTrigger(tx, "mintA")
	require.True(t, ok)
	require.Equal(t, venue.SideBuy, side)
	require.InDelta(t, 5.0, sol, 1e-9)
}
