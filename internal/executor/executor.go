// Package executor implements the engine's transaction executor (C4): the
// authoritative sign → broadcast → confirm retry loop with fresh-blockhash
// regeneration on every attempt, per spec.md §4.4.
package executor

import (
	"context"
	"time"

	"github.com/flywheel-engine/engine/internal/chain"
	"github.com/flywheel-engine/engine/internal/core"
	"github.com/flywheel-engine/engine/internal/metrics"
	"github.com/flywheel-engine/engine/internal/signer"
	"github.com/flywheel-engine/engine/internal/venue"
)

// BuildFunc produces a fresh unsigned transaction. The executor calls this
// on every attempt, never reusing a previously built/signed artifact — a
// rebuild re-derives the recent blockhash and any venue quote ephemera.
type BuildFunc func(ctx context.Context) (venue.UnsignedTx, error)

// Options configures one Execute call.
type Options struct {
	MaxAttempts              int
	PerAttemptTimeout        time.Duration
	RetryOnBlockhashExpired  bool
}

// DefaultOptions mirrors the conservative defaults used by C7/C8 callers.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:             3,
		PerAttemptTimeout:       45 * time.Second,
		RetryOnBlockhashExpired: true,
	}
}

// ExecResult is the terminal outcome of Execute.
type ExecResult struct {
	Signature string
	Attempts  int
}

// Gateway is the subset of chain.Gateway the executor needs.
type Gateway interface {
	SendRaw(ctx context.Context, signed []byte) (string, error)
	GetSignatureStatus(ctx context.Context, sig string) (chain.SignatureStatus, error)
}

// Executor drives C4's build→sign→broadcast→confirm loop.
type Executor struct {
	core.ServiceBase
	gateway Gateway
	signer  signer.Signer
}

// New builds an Executor against the given gateway and signer.
func New(gw Gateway, s signer.Signer) *Executor {
	e := &Executor{gateway: gw, signer: s}
	e.SetName("tx-executor")
	e.MarkStarted()
	return e
}

// Execute runs the retry/rebuild state machine described in spec.md §4.4.
func (e *Executor) Execute(ctx context.Context, build BuildFunc, keyID string, opts Options) (ExecResult, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	perAttemptTimeout := opts.PerAttemptTimeout
	if perAttemptTimeout <= 0 {
		perAttemptTimeout = 45 * time.Second
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, retry, err := e.attempt(ctx, build, keyID, perAttemptTimeout)
		if err == nil {
			result.Attempts = attempt + 1
			metrics.RecordExecutorAttempt("confirmed")
			return result, nil
		}
		if !retry {
			metrics.RecordExecutorAttempt("permanent_failure")
			return ExecResult{}, err
		}
		metrics.RecordExecutorAttempt("retry")

		sleep := time.Duration(1<<uint(attempt+1)) * time.Second
		if sleep > 8*time.Second {
			sleep = 8 * time.Second
		}
		select {
		case <-ctx.Done():
			return ExecResult{}, ctx.Err()
		case <-time.After(sleep):
		}
	}

	metrics.RecordExecutorAttempt("exhausted")
	return ExecResult{}, &core.PermanentProgramError{Reason: "exhausted"}
}

// attempt runs one build→sign→sendRaw→poll cycle. The bool return reports
// whether the caller should retry (vs. fail immediately).
func (e *Executor) attempt(ctx context.Context, build BuildFunc, keyID string, perAttemptTimeout time.Duration) (ExecResult, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
	defer cancel()

	unsigned, err := build(attemptCtx)
	if err != nil {
		if core.IsPermanent(err) {
			return ExecResult{}, false, err
		}
		return ExecResult{}, true, err
	}

	signed, err := e.signer.Sign(attemptCtx, unsigned, keyID)
	if err != nil {
		if core.IsPermanent(err) {
			return ExecResult{}, false, err
		}
		return ExecResult{}, true, err
	}

	sig, err := e.gateway.SendRaw(attemptCtx, signed.Raw)
	if err != nil {
		if core.IsPermanent(err) {
			return ExecResult{}, false, err
		}
		return ExecResult{}, true, err
	}

	return e.poll(attemptCtx, sig, perAttemptTimeout)
}

// poll waits for sig to confirm, with exponential backoff (initial 500ms,
// factor 2, cap 4s), until perAttemptTimeout elapses.
func (e *Executor) poll(ctx context.Context, sig string, perAttemptTimeout time.Duration) (ExecResult, bool, error) {
	deadline := time.Now().Add(perAttemptTimeout)
	backoff := 500 * time.Millisecond
	const maxBackoff = 4 * time.Second

	for {
		status, err := e.gateway.GetSignatureStatus(ctx, sig)
		if err == nil {
			switch status.State {
			case chain.SignatureConfirmed, chain.SignatureFinalized:
				return ExecResult{Signature: sig}, false, nil
			case chain.SignatureFailed:
				return ExecResult{}, false, &core.PermanentProgramError{Reason: status.FailReason}
			}
		}

		if time.Now().After(deadline) {
			return ExecResult{}, true, &core.BlockhashExpiredError{Signature: sig}
		}

		select {
		case <-ctx.Done():
			return ExecResult{}, true, &core.BlockhashExpiredError{Signature: sig}
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
