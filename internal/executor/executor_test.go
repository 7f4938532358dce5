package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flywheel-engine/engine/internal/chain"
	"github.com/flywheel-engine/engine/internal/core"
	"github.com/flywheel-engine/engine/internal/signer"
	"github.com/flywheel-engine/engine/internal/venue"
)

type fakeGateway struct {
	sendCalls   int
	statusSeq   []chain.SignatureStatus
	statusCalls int
}

func (g *fakeGateway) SendRaw(ctx context.Context, signed []byte) (string, error) {
	g.sendCalls++
	return "sig-from-attempt", nil
}

func (g *fakeGateway) GetSignatureStatus(ctx context.Context, sig string) (chain.SignatureStatus, error) {
	if g.statusCalls >= len(g.statusSeq) {
		return g.statusSeq[len(g.statusSeq)-1], nil
	}
	status := g.statusSeq[g.statusCalls]
	g.statusCalls++
	return status, nil
}

func buildOK(ctx context.Context) (venue.UnsignedTx, error) {
	return venue.UnsignedTx{Raw: []byte("tx"), FeePayer: "fp", RecentBlockhash: "bh"}, nil
}

func TestExecuteSucceedsOnFirstAttempt(t *testing.T) {
	gw := &fakeGateway{statusSeq: []chain.SignatureStatus{{State: chain.SignatureConfirmed}}}
	s := signer.NewLocalSigner(map[string]string{"ops-1": "addr"})
	e := New(gw, s)

	result, err := e.Execute(context.Background(), buildOK, "ops-1", DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, "sig-from-attempt", result.Signature)
	require.Equal(t, 1, result.Attempts)
	require.Equal(t, 1, gw.sendCalls)
}

func TestExecuteFailsPermanentlyWithoutRetry(t *testing.T) {
	gw := &fakeGateway{statusSeq: []chain.SignatureStatus{{State: chain.SignatureFailed, FailReason: "custom program error"}}}
	s := signer.NewLocalSigner(map[string]string{"ops-1": "addr"})
	e := New(gw, s)

	_, err := e.Execute(context.Background(), buildOK, "ops-1", DefaultOptions())
	require.Error(t, err)
	require.True(t, core.IsPermanent(err))
	require.Equal(t, 1, gw.sendCalls)
}

func TestExecuteRejectsUnknownKeyImmediately(t *testing.T) {
	gw := &fakeGateway{}
	s := signer.NewLocalSigner(map[string]string{"ops-1": "addr"})
	e := New(gw, s)

	_, err := e.Execute(context.Background(), buildOK, "unknown-key", DefaultOptions())
	require.Error(t, err)
	require.Equal(t, 0, gw.sendCalls)
}

func TestExecuteRetriesOnTimeoutThenSucceeds(t *testing.T) {
	gw := &fakeGateway{statusSeq: []chain.SignatureStatus{{State: chain.SignaturePending}}}
	s := signer.NewLocalSigner(map[string]string{"ops-1": "addr"})
	e := New(gw, s)

	opts := Options{MaxAttempts: 2, PerAttemptTimeout: 600 * time.Millisecond, RetryOnBlockhashExpired: true}

	attempts := 0
	build := func(ctx context.Context) (venue.UnsignedTx, error) {
		attempts++
		if attempts == 1 {
			return venue.UnsignedTx{Raw: []byte("tx1")}, nil
		}
		gw.statusSeq = []chain.SignatureStatus{{State: chain.SignatureConfirmed}}
		return venue.UnsignedTx{Raw: []byte("tx2")}, nil
	}

	result, err := e.Execute(context.Background(), build, "ops-1", opts)
	require.NoError(t, err)
	require.Equal(t, "sig-from-attempt", result.Signature)
	require.Equal(t, 2, attempts)
}
