// Package chain implements the engine's RPC gateway (C1): reading chain
// state, broadcasting signed transactions, and subscribing to program logs.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/flywheel-engine/engine/internal/core"
	"github.com/flywheel-engine/engine/internal/metrics"
)

// Config addresses the primary endpoint plus an optional fallback, per
// spec.md's "single configured endpoint plus an optional fallback".
type Config struct {
	PrimaryURL    string
	FallbackURL   string
	RequestTimeout time.Duration
}

// Gateway is the engine's sole path to chain reads/writes. Every other
// component talks to the chain only through this type.
type Gateway struct {
	core.ServiceBase

	mu          sync.RWMutex
	endpoints   []string
	idx         int
	httpClient  *http.Client
	lastSlot    atomic.Uint64
	lastSlotAt  atomic.Int64 // unix nanos
	reqID       atomic.Int64
}

// New builds a Gateway from cfg. The primary endpoint is tried first on
// every call; the fallback (if set) is used only after the primary fails.
func New(cfg Config) (*Gateway, error) {
	if strings.TrimSpace(cfg.PrimaryURL) == "" {
		return nil, &core.ConfigInvalidError{Field: "RPC_URL", Reason: "required"}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	endpoints := []string{cfg.PrimaryURL}
	if strings.TrimSpace(cfg.FallbackURL) != "" {
		endpoints = append(endpoints, cfg.FallbackURL)
	}
	g := &Gateway{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: timeout},
	}
	g.SetName("chain-gateway")
	g.MarkStarted()
	return g, nil
}

// call issues a JSON-RPC request, trying each configured endpoint in order
// until one succeeds or all fail.
func (g *Gateway) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	g.mu.RLock()
	endpoints := append([]string(nil), g.endpoints...)
	g.mu.RUnlock()

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      int(g.reqID.Add(1)),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	start := time.Now()
	var lastErr error
	for _, url := range endpoints {
		result, err := g.callEndpoint(ctx, url, body)
		if err == nil {
			metrics.RecordChainRPCCall(method, "ok", time.Since(start))
			return result, nil
		}
		lastErr = err
	}
	metrics.RecordChainRPCCall(method, "error", time.Since(start))
	return nil, &core.TransientRPCError{Op: method, Err: lastErr}
}

func (g *Gateway) callEndpoint(ctx context.Context, url string, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, &core.NetworkUnreachableError{Endpoint: url, Err: err}
	}
	defer resp.Body.Close()

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode rpc response from %s: %w", url, err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("rpc error from %s: %d %s", url, decoded.Error.Code, decoded.Error.Message)
	}
	return decoded.Result, nil
}

// GetLamports returns the native-asset balance of address in lamports.
func (g *Gateway) GetLamports(ctx context.Context, address string) (uint64, error) {
	result, err := g.call(ctx, "getBalance", []interface{}{address})
	if err != nil {
		return 0, err
	}
	return uint64(gjson.GetBytes(result, "value").Int()), nil
}

// GetTokenAmount returns ownerAddr's balance of mint in native token units.
func (g *Gateway) GetTokenAmount(ctx context.Context, ownerAddr, mint string) (uint64, error) {
	result, err := g.call(ctx, "getParsedTokenAccountsByOwner", []interface{}{
		ownerAddr,
		map[string]string{"mint": mint},
	})
	if err != nil {
		return 0, err
	}
	amountStr := gjson.GetBytes(result, "value.0.account.data.parsed.info.tokenAmount.amount").String()
	if amountStr == "" {
		return 0, nil
	}
	var amount uint64
	if _, err := fmt.Sscanf(amountStr, "%d", &amount); err != nil {
		return 0, fmt.Errorf("parse token amount %q: %w", amountStr, err)
	}
	return amount, nil
}

// GetSlot returns the current slot; used for both liveness and the
// health-indicator required by C11.
func (g *Gateway) GetSlot(ctx context.Context) (uint64, error) {
	result, err := g.call(ctx, "getSlot", nil)
	if err != nil {
		return 0, err
	}
	slot := uint64(gjson.ParseBytes(result).Int())
	g.lastSlot.Store(slot)
	g.lastSlotAt.Store(time.Now().UnixNano())
	return slot, nil
}

// GetSignatureStatus reports the confirmation state of sig.
func (g *Gateway) GetSignatureStatus(ctx context.Context, sig string) (SignatureStatus, error) {
	result, err := g.call(ctx, "getSignatureStatuses", []interface{}{
		[]string{sig},
		map[string]bool{"searchTransactionHistory": true},
	})
	if err != nil {
		return SignatureStatus{}, err
	}
	entry := gjson.GetBytes(result, "value.0")
	if !entry.Exists() || !entry.IsObject() {
		return SignatureStatus{State: SignatureNotFound}, nil
	}
	if errField := entry.Get("err"); errField.Exists() && errField.Value() != nil {
		return SignatureStatus{State: SignatureFailed, FailReason: errField.Raw}, nil
	}
	status := SignatureStatus{Slot: uint64(entry.Get("slot").Int())}
	switch entry.Get("confirmationStatus").String() {
	case "finalized":
		status.State = SignatureFinalized
	case "confirmed":
		status.State = SignatureConfirmed
	default:
		status.State = SignaturePending
	}
	return status, nil
}

// GetRecentBlockhash returns a blockhash fresh enough to build a new
// transaction with. Callers must call this on every C4 attempt.
func (g *Gateway) GetRecentBlockhash(ctx context.Context) (BlockhashInfo, error) {
	result, err := g.call(ctx, "getLatestBlockhash", []interface{}{
		map[string]string{"commitment": "confirmed"},
	})
	if err != nil {
		return BlockhashInfo{}, err
	}
	return BlockhashInfo{
		Hash:             gjson.GetBytes(result, "value.blockhash").String(),
		ValidUntilHeight: uint64(gjson.GetBytes(result, "value.lastValidBlockHeight").Int()),
	}, nil
}

// SendRaw broadcasts a signed transaction and returns its signature. It does
// not wait for confirmation.
func (g *Gateway) SendRaw(ctx context.Context, signed []byte) (string, error) {
	result, err := g.call(ctx, "sendTransaction", []interface{}{
		encodeBase64(signed),
		map[string]interface{}{"encoding": "base64", "skipPreflight": true},
	})
	if err != nil {
		return "", err
	}
	sig := gjson.ParseBytes(result).String()
	if sig == "" {
		return "", &core.TransientRPCError{Op: "sendTransaction", Err: fmt.Errorf("empty signature returned")}
	}
	return sig, nil
}

// GetParsedTransaction fetches and parses a confirmed transaction. It
// returns (nil, nil) if the transaction is not yet available — callers are
// expected to call this shortly (~200ms) after broadcast and treat nil as
// "not visible yet", not an error.
func (g *Gateway) GetParsedTransaction(ctx context.Context, sig string) (*ParsedTx, error) {
	result, err := g.call(ctx, "getTransaction", []interface{}{
		sig,
		map[string]interface{}{"encoding": "jsonParsed", "maxSupportedTransactionVersion": 0},
	})
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(result)
	if !parsed.Exists() || !parsed.IsObject() {
		return nil, nil
	}

	tx := &ParsedTx{
		Signature:    sig,
		FeePayer:     parsed.Get("transaction.message.accountKeys.0.pubkey").String(),
		LamportDelta: map[string]int64{},
		TokenDeltas:  map[string]map[string]int64{},
	}
	if errField := parsed.Get("meta.err"); errField.Exists() && errField.Value() != nil {
		tx.Err = errField.Raw
	}
	for _, line := range parsed.Get("meta.logMessages").Array() {
		tx.LogMessages = append(tx.LogMessages, line.String())
	}

	pre := parsed.Get("meta.preBalances").Array()
	post := parsed.Get("meta.postBalances").Array()
	keys := parsed.Get("transaction.message.accountKeys").Array()
	for i := range keys {
		if i >= len(pre) || i >= len(post) {
			break
		}
		addr := keys[i].Get("pubkey").String()
		tx.LamportDelta[addr] = post[i].Int() - pre[i].Int()
	}

	preToks := parsed.Get("meta.preTokenBalances").Array()
	postToks := parsed.Get("meta.postTokenBalances").Array()
	preByKey := map[string]gjson.Result{}
	for _, t := range preToks {
		preByKey[tokenBalanceKey(t)] = t
	}
	for _, t := range postToks {
		key := tokenBalanceKey(t)
		owner := t.Get("owner").String()
		mint := t.Get("mint").String()
		postAmt := t.Get("uiTokenAmount.amount").Int()
		preAmt := int64(0)
		if pt, ok := preByKey[key]; ok {
			preAmt = pt.Get("uiTokenAmount.amount").Int()
		}
		if tx.TokenDeltas[owner] == nil {
			tx.TokenDeltas[owner] = map[string]int64{}
		}
		tx.TokenDeltas[owner][mint] += postAmt - preAmt
	}

	return tx, nil
}

func tokenBalanceKey(t gjson.Result) string {
	return t.Get("accountIndex").String() + ":" + t.Get("mint").String()
}

// Health reports whether the gateway considers the chain reachable: nil if a
// getSlot call succeeded within the last 30s, otherwise the result of a fresh
// getSlot call. It does not check the slot's value or that it advances
// between calls. C11 surfaces this as the gateway's job health.
func (g *Gateway) Health(ctx context.Context) error {
	lastAt := g.lastSlotAt.Load()
	if lastAt == 0 || time.Since(time.Unix(0, lastAt)) > 30*time.Second {
		if _, err := g.GetSlot(ctx); err != nil {
			return &core.NetworkUnreachableError{Endpoint: g.endpoints[0], Err: err}
		}
		return nil
	}
	return nil
}

func encodeBase64(b []byte) string {
	const table = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	var sb strings.Builder
	for i := 0; i < len(b); i += 3 {
		chunk := b[i:min(i+3, len(b))]
		var n uint32
		for _, c := range chunk {
			n = n<<8 | uint32(c)
		}
		n <<= uint32(8 * (3 - len(chunk)))
		sb.WriteByte(table[(n>>18)&0x3F])
		sb.WriteByte(table[(n>>12)&0x3F])
		if len(chunk) > 1 {
			sb.WriteByte(table[(n>>6)&0x3F])
		} else {
			sb.WriteByte('=')
		}
		if len(chunk) > 2 {
			sb.WriteByte(table[n&0x3F])
		} else {
			sb.WriteByte('=')
		}
	}
	return sb.String()
}
