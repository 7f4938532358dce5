// Package venue implements the engine's venue adapter (C2): quoting,
// building unsigned swap/claim transactions, and tracking a token's
// graduation state across the bonding-curve and pool backends.
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/flywheel-engine/engine/internal/core"
)

// Side is the direction of a swap.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Route selects which backend serves a token, mirroring TokenConfig.tradingRoute.
type Route string

const (
	RouteAuto  Route = "auto"
	RouteCurve Route = "curve"
	RoutePool  Route = "pool"
)

// Quote is the result of a quote() call.
type Quote struct {
	OutputAmount uint64
	RawQuote     json.RawMessage
}

// UnsignedTx is an unsigned transaction as returned by the venue API: the
// raw encoded bytes plus the logical header fields the signer must echo
// back unchanged (fee payer, recent blockhash, instruction set), per
// spec.md §4.3's fee-payer/blockhash/instruction-set validation contract.
type UnsignedTx struct {
	Raw               []byte
	FeePayer          string
	RecentBlockhash   string
	InstructionSetHash string
}

// ClaimablePosition reports one mint's outstanding creator fees.
type ClaimablePosition struct {
	TokenMint    string
	ClaimableSOL float64
}

// TokenMeta carries venue-observed metadata about a mint.
type TokenMeta struct {
	Graduated bool
}

// backend is implemented by the curve and pool adapters.
type backend interface {
	name() string
	quote(ctx context.Context, mint string, side Side, inputAmount uint64, slippageBps int) (Quote, error)
	buildSwap(ctx context.Context, rawQuote json.RawMessage, signerAddress string) (UnsignedTx, error)
	buildClaim(ctx context.Context, devAddress string, mints []string) ([]UnsignedTx, error)
	buildTransfer(ctx context.Context, fromAddress, toAddress string, lamports uint64) (UnsignedTx, error)
	listClaimable(ctx context.Context, devAddress string) ([]ClaimablePosition, error)
	getTokenMeta(ctx context.Context, mint string) (TokenMeta, error)
}

type graduationEntry struct {
	meta    TokenMeta
	expires time.Time
}

// Adapter routes calls to the curve or pool backend per the token's
// configured route, applying the auto-routing and 5-minute graduation cache
// described in spec.md §4.2.
type Adapter struct {
	core.ServiceBase

	curve backend
	pool  backend

	mu               sync.RWMutex
	graduationCache  map[string]graduationEntry
	staleAfter       time.Duration
}

// Config addresses the curve and pool venue HTTP endpoints.
type Config struct {
	CurveBaseURL       string
	PoolBaseURL        string
	RequestTimeout     time.Duration
	GraduationStaleAfter time.Duration
}

// New builds an Adapter with both backends pointed at their respective base URLs.
func New(cfg Config) *Adapter {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	staleAfter := cfg.GraduationStaleAfter
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	client := &http.Client{Timeout: timeout}

	a := &Adapter{
		curve:           &httpVenueClient{name_: "curve", baseURL: cfg.CurveBaseURL, client: client},
		pool:            &httpVenueClient{name_: "pool", baseURL: cfg.PoolBaseURL, client: client},
		graduationCache: make(map[string]graduationEntry),
		staleAfter:      staleAfter,
	}
	a.SetName("venue-adapter")
	a.MarkStarted()
	return a
}

// resolve picks the backend to use for mint given route, consulting the
// graduation cache for RouteAuto and refreshing it on a miss.
func (a *Adapter) resolve(ctx context.Context, mint string, route Route) (backend, error) {
	switch route {
	case RouteCurve:
		return a.curve, nil
	case RoutePool:
		return a.pool, nil
	}

	if meta, ok := a.cachedMeta(mint); ok {
		if meta.Graduated {
			return a.pool, nil
		}
		return a.curve, nil
	}

	meta, err := a.curve.getTokenMeta(ctx, mint)
	if err != nil {
		return nil, core.Wrap("venue", "getTokenMeta", err)
	}
	a.storeMeta(mint, meta)
	if meta.Graduated {
		return a.pool, nil
	}
	return a.curve, nil
}

func (a *Adapter) cachedMeta(mint string) (TokenMeta, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entry, ok := a.graduationCache[mint]
	if !ok || time.Now().After(entry.expires) {
		return TokenMeta{}, false
	}
	return entry.meta, true
}

func (a *Adapter) storeMeta(mint string, meta TokenMeta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.graduationCache[mint] = graduationEntry{meta: meta, expires: time.Now().Add(a.staleAfter)}
}

// Quote produces a swap quote for mint via the routed backend.
func (a *Adapter) Quote(ctx context.Context, mint string, route Route, side Side, inputAmount uint64, slippageBps int) (Quote, error) {
	b, err := a.resolve(ctx, mint, route)
	if err != nil {
		return Quote{}, err
	}
	q, err := b.quote(ctx, mint, side, inputAmount, slippageBps)
	if err != nil {
		return Quote{}, core.Wrap("venue."+b.name(), "quote", err)
	}
	return q, nil
}

// BuildSwap turns a previously fetched quote into an unsigned transaction.
// The caller must re-fetch the quote on every C4 attempt — this method never
// caches or reuses a raw quote across calls.
func (a *Adapter) BuildSwap(ctx context.Context, mint string, route Route, rawQuote json.RawMessage, signerAddress string) (UnsignedTx, error) {
	b, err := a.resolve(ctx, mint, route)
	if err != nil {
		return UnsignedTx{}, err
	}
	tx, err := b.buildSwap(ctx, rawQuote, signerAddress)
	if err != nil {
		return UnsignedTx{}, core.Wrap("venue."+b.name(), "buildSwap", err)
	}
	return tx, nil
}

// BuildClaim builds the (possibly multi-step) unsigned claim transaction(s)
// for devAddress across mints. Claims always resolve through the curve
// backend's claim surface since fee claiming predates graduation accounting
// in the upstream venue's API.
func (a *Adapter) BuildClaim(ctx context.Context, devAddress string, mints []string) ([]UnsignedTx, error) {
	txs, err := a.curve.buildClaim(ctx, devAddress, mints)
	if err != nil {
		return nil, core.Wrap("venue.curve", "buildClaim", err)
	}
	return txs, nil
}

// BuildTransfer builds an unsigned native-asset transfer from fromAddress to
// toAddress for lamports, used by C7 to split claimed fees between the
// platform and the user after a claim settles. Transfers route through the
// curve backend, the same way claims do — plain system transfers carry no
// graduation-dependent behavior.
func (a *Adapter) BuildTransfer(ctx context.Context, fromAddress, toAddress string, lamports uint64) (UnsignedTx, error) {
	tx, err := a.curve.buildTransfer(ctx, fromAddress, toAddress, lamports)
	if err != nil {
		return UnsignedTx{}, core.Wrap("venue.curve", "buildTransfer", err)
	}
	return tx, nil
}

// ListClaimable lists outstanding claimable positions for devAddress. Never
// cached, per spec.md §4.2.
func (a *Adapter) ListClaimable(ctx context.Context, devAddress string) ([]ClaimablePosition, error) {
	positions, err := a.curve.listClaimable(ctx, devAddress)
	if err != nil {
		return nil, core.Wrap("venue.curve", "listClaimable", err)
	}
	return positions, nil
}

// GetTokenMeta returns mint's venue metadata, consulting and refreshing the
// graduation cache.
func (a *Adapter) GetTokenMeta(ctx context.Context, mint string) (TokenMeta, error) {
	if meta, ok := a.cachedMeta(mint); ok {
		return meta, nil
	}
	meta, err := a.curve.getTokenMeta(ctx, mint)
	if err != nil {
		return TokenMeta{}, core.Wrap("venue.curve", "getTokenMeta", err)
	}
	a.storeMeta(mint, meta)
	return meta, nil
}

// httpVenueClient is a thin HTTP+gjson client shared by the curve and pool
// backends; only baseURL and response-shape assumptions differ between them.
type httpVenueClient struct {
	name_   string
	baseURL string
	client  *http.Client
}

func (c *httpVenueClient) name() string { return c.name_ }

func (c *httpVenueClient) postJSON(ctx context.Context, path string, payload interface{}) (gjson.Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return gjson.Result{}, &core.NetworkUnreachableError{Endpoint: c.baseURL, Err: err}
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return gjson.Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return gjson.Result{}, &core.TransientRPCError{Op: path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return gjson.Result{}, &core.PermanentProgramError{Reason: fmt.Sprintf("venue %s returned %d", path, resp.StatusCode)}
	}
	return gjson.ParseBytes(buf.Bytes()), nil
}

func (c *httpVenueClient) getJSON(ctx context.Context, path string) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return gjson.Result{}, &core.NetworkUnreachableError{Endpoint: c.baseURL, Err: err}
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return gjson.Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return gjson.Result{}, &core.TransientRPCError{Op: path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return gjson.ParseBytes(buf.Bytes()), nil
}

func (c *httpVenueClient) quote(ctx context.Context, mint string, side Side, inputAmount uint64, slippageBps int) (Quote, error) {
	result, err := c.postJSON(ctx, "/quote", map[string]interface{}{
		"mint": mint, "side": string(side), "amount": inputAmount, "slippageBps": slippageBps,
	})
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		OutputAmount: uint64(result.Get("outputAmount").Int()),
		RawQuote:     []byte(result.Raw),
	}, nil
}

func (c *httpVenueClient) buildSwap(ctx context.Context, rawQuote json.RawMessage, signerAddress string) (UnsignedTx, error) {
	result, err := c.postJSON(ctx, "/buildSwap", map[string]interface{}{
		"quote": json.RawMessage(rawQuote), "signer": signerAddress,
	})
	if err != nil {
		return UnsignedTx{}, err
	}
	return unsignedTxFromJSON(result), nil
}

func (c *httpVenueClient) buildClaim(ctx context.Context, devAddress string, mints []string) ([]UnsignedTx, error) {
	result, err := c.postJSON(ctx, "/buildClaim", map[string]interface{}{
		"devAddress": devAddress, "mints": mints,
	})
	if err != nil {
		return nil, err
	}
	var txs []UnsignedTx
	for _, tx := range result.Get("txs").Array() {
		txs = append(txs, unsignedTxFromJSON(tx))
	}
	return txs, nil
}

func unsignedTxFromJSON(result gjson.Result) UnsignedTx {
	return UnsignedTx{
		Raw:                []byte(result.Get("tx").String()),
		FeePayer:           result.Get("feePayer").String(),
		RecentBlockhash:    result.Get("recentBlockhash").String(),
		InstructionSetHash: result.Get("instructionSetHash").String(),
	}
}

func (c *httpVenueClient) buildTransfer(ctx context.Context, fromAddress, toAddress string, lamports uint64) (UnsignedTx, error) {
	result, err := c.postJSON(ctx, "/buildTransfer", map[string]interface{}{
		"from": fromAddress, "to": toAddress, "lamports": lamports,
	})
	if err != nil {
		return UnsignedTx{}, err
	}
	return unsignedTxFromJSON(result), nil
}

func (c *httpVenueClient) listClaimable(ctx context.Context, devAddress string) ([]ClaimablePosition, error) {
	result, err := c.getJSON(ctx, "/claimable/"+devAddress)
	if err != nil {
		return nil, err
	}
	var positions []ClaimablePosition
	for _, p := range result.Get("positions").Array() {
		positions = append(positions, ClaimablePosition{
			TokenMint:    p.Get("tokenMint").String(),
			ClaimableSOL: p.Get("claimableSol").Float(),
		})
	}
	return positions, nil
}

func (c *httpVenueClient) getTokenMeta(ctx context.Context, mint string) (TokenMeta, error) {
	result, err := c.getJSON(ctx, "/tokenMeta/"+mint)
	if err != nil {
		return TokenMeta{}, err
	}
	return TokenMeta{Graduated: result.Get("graduated").Bool()}, nil
}
