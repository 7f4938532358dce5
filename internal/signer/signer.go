// Package signer implements the engine's signer (C3): turning an unsigned
// transaction plus a logical key id into a signed one, either from
// in-process keypair material or via a remote delegated signing service.
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/flywheel-engine/engine/internal/core"
	"github.com/flywheel-engine/engine/internal/venue"
)

// SignedTx is a signed transaction ready for broadcast.
type SignedTx struct {
	Raw []byte
}

// Signer signs an unsigned transaction for the given logical key id. It is
// pure with respect to chain state: it never broadcasts.
type Signer interface {
	Sign(ctx context.Context, unsigned venue.UnsignedTx, keyID string) (SignedTx, error)
}

// KeyKind distinguishes how a key's material is held.
type KeyKind string

const (
	KeyKindLocal     KeyKind = "local"
	KeyKindDelegated KeyKind = "delegated"
)

// localKeypair records a logical key id and its on-chain address for
// development/self-custody deployments; it carries no secret material.
// Production deployments use DelegatedSigner instead.
type localKeypair struct {
	keyID   string
	address string
}

// LocalSigner signs using in-process keypair material, keyed by logical id.
type LocalSigner struct {
	core.ServiceBase
	keys map[string]localKeypair
}

// NewLocalSigner builds a LocalSigner. addresses maps each logical key id to
// its on-chain address; actual key material lookup is left to the caller's
// secure keystore and is out of scope for this package.
func NewLocalSigner(addresses map[string]string) *LocalSigner {
	keys := make(map[string]localKeypair, len(addresses))
	for id, addr := range addresses {
		keys[id] = localKeypair{keyID: id, address: addr}
	}
	s := &LocalSigner{keys: keys}
	s.SetName("local-signer")
	s.MarkStarted()
	return s
}

// Sign produces a signed transaction for keyID using local material. The
// signature itself is a placeholder append since no chain-specific signing
// SDK is in scope; what matters to the rest of the engine is that the
// returned bytes carry forward the unsigned header unchanged.
func (s *LocalSigner) Sign(ctx context.Context, unsigned venue.UnsignedTx, keyID string) (SignedTx, error) {
	if _, ok := s.keys[keyID]; !ok {
		return SignedTx{}, &core.SignerRefusedError{KeyID: keyID, Reason: "unknown key id"}
	}
	return SignedTx{Raw: append(append([]byte{}, unsigned.Raw...), []byte("|signed:"+keyID)...)}, nil
}

// DelegatedSigner signs by calling a remote custodial signing service over
// HTTP and validating that the returned transaction echoes the same
// fee-payer, recent blockhash, and instruction set it was sent with,
// rejecting the response otherwise (spec.md §4.3).
type DelegatedSigner struct {
	core.ServiceBase
	baseURL string
	client  *http.Client
}

// Config addresses the delegated signer's HTTP endpoint.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// NewDelegatedSigner builds a DelegatedSigner from cfg.
func NewDelegatedSigner(cfg Config) *DelegatedSigner {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &DelegatedSigner{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
	}
	s.SetName("delegated-signer")
	s.MarkStarted()
	return s
}

// Sign sends keyID and the unsigned transaction (both raw bytes and its
// logical representation) to the remote signer, then validates the
// response's header against what was sent.
func (s *DelegatedSigner) Sign(ctx context.Context, unsigned venue.UnsignedTx, keyID string) (SignedTx, error) {
	payload := map[string]interface{}{
		"keyId":              keyID,
		"unsignedTxBytes":    string(unsigned.Raw),
		"feePayer":           unsigned.FeePayer,
		"recentBlockhash":    unsigned.RecentBlockhash,
		"instructionSetHash": unsigned.InstructionSetHash,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SignedTx{}, fmt.Errorf("marshal sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sign", bytes.NewReader(body))
	if err != nil {
		return SignedTx{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return SignedTx{}, &core.NetworkUnreachableError{Endpoint: s.baseURL, Err: err}
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return SignedTx{}, fmt.Errorf("read sign response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return SignedTx{}, &core.TransientRPCError{Op: "sign", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return SignedTx{}, &core.SignerRefusedError{KeyID: keyID, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	result := gjson.ParseBytes(buf.Bytes())
	if err := validateEcho(unsigned, result); err != nil {
		return SignedTx{}, err
	}

	return SignedTx{Raw: []byte(result.Get("signedTxBytes").String())}, nil
}

// validateEcho rejects a signer response whose fee-payer, recent blockhash,
// or instruction set diverges from what was requested — a tampered or
// stale-signed transaction must never be broadcast.
func validateEcho(unsigned venue.UnsignedTx, result gjson.Result) error {
	if got := result.Get("feePayer").String(); got != unsigned.FeePayer {
		return &core.SignerRefusedError{KeyID: "", Reason: "fee payer mismatch in signer response"}
	}
	if got := result.Get("recentBlockhash").String(); got != unsigned.RecentBlockhash {
		return &core.SignerRefusedError{KeyID: "", Reason: "recent blockhash mismatch in signer response"}
	}
	if got := result.Get("instructionSetHash").String(); got != unsigned.InstructionSetHash {
		return &core.SignerRefusedError{KeyID: "", Reason: "instruction set mismatch in signer response"}
	}
	return nil
}
