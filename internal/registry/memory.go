package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flywheel-engine/engine/internal/core"
)

// Memory is an in-process Store implementation. All reads return defensive
// copies so callers can never mutate registry state by holding onto a
// returned value.
type Memory struct {
	mu sync.RWMutex

	tokens         map[string]Token
	configs        map[string]TokenConfig
	flywheelStates map[string]FlywheelState
	keys           map[string]KeyHandle
	trades         map[string][]TradeRecord
	claims         []ClaimRecord

	nextTradeID int64
	nextClaimID int64
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		tokens:         make(map[string]Token),
		configs:        make(map[string]TokenConfig),
		flywheelStates: make(map[string]FlywheelState),
		keys:           make(map[string]KeyHandle),
		trades:         make(map[string][]TradeRecord),
	}
}

// Seed loads a token, its config, and its key handles. Intended for tests
// and for bootstrapping a single-tenant deployment from configuration.
func (m *Memory) Seed(tok Token, cfg TokenConfig, keys ...KeyHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tok.ID] = tok
	m.configs[cfg.TokenID] = cfg
	for _, k := range keys {
		m.keys[k.KeyID] = k
	}
}

func (m *Memory) GetActiveTokensForFlywheel(ctx context.Context) ([]Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Token
	for _, t := range m.tokens {
		if !t.Eligible() {
			continue
		}
		cfg, ok := m.configs[t.ID]
		if !ok || !cfg.FlywheelActive {
			continue
		}
		out = append(out, t)
	}
	sortTokensByID(out)
	return out, nil
}

func (m *Memory) GetActiveTokensForClaim(ctx context.Context) ([]Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Token
	for _, t := range m.tokens {
		if !t.Eligible() {
			continue
		}
		cfg, ok := m.configs[t.ID]
		if !ok || !cfg.AutoClaimEnabled {
			continue
		}
		out = append(out, t)
	}
	sortTokensByID(out)
	return out, nil
}

func (m *Memory) GetReactiveTokens(ctx context.Context) ([]Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Token
	for _, t := range m.tokens {
		if !t.Eligible() {
			continue
		}
		cfg, ok := m.configs[t.ID]
		if !ok || cfg.Algorithm != AlgorithmReactive || !cfg.Reactive.Enabled {
			continue
		}
		out = append(out, t)
	}
	sortTokensByID(out)
	return out, nil
}

func sortTokensByID(tokens []Token) {
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].ID < tokens[j].ID })
}

func (m *Memory) GetToken(ctx context.Context, tokenID string) (Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[tokenID]
	if !ok {
		return Token{}, &core.NotFoundError{Resource: "token", ID: tokenID}
	}
	return t, nil
}

func (m *Memory) GetTokenConfig(ctx context.Context, tokenID string) (TokenConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.configs[tokenID]
	if !ok {
		return TokenConfig{}, &core.NotFoundError{Resource: "token_config", ID: tokenID}
	}
	return cfg, nil
}

func (m *Memory) PutTokenConfig(ctx context.Context, cfg TokenConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.TokenID] = cfg
	return nil
}

func (m *Memory) GetFlywheelState(ctx context.Context, tokenID string) (FlywheelState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.flywheelStates[tokenID]
	if !ok {
		return FlywheelState{TokenID: tokenID, Phase: PhaseCooldown}, nil
	}
	return st, nil
}

func (m *Memory) PutFlywheelState(ctx context.Context, state FlywheelState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flywheelStates[state.TokenID] = state
	return nil
}

func (m *Memory) PutFlywheelStates(ctx context.Context, states []FlywheelState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range states {
		m.flywheelStates[st.TokenID] = st
	}
	return nil
}

func (m *Memory) AppendClaimRecord(ctx context.Context, rec ClaimRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextClaimID++
	rec.ID = fmtID("claim", m.nextClaimID)
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	m.claims = append(m.claims, rec)
	return nil
}

func (m *Memory) AppendTradeRecord(ctx context.Context, rec TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTradeID++
	rec.ID = fmtID("trade", m.nextTradeID)
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	m.trades[rec.TokenID] = append(m.trades[rec.TokenID], rec)
	return nil
}

func (m *Memory) ListTradeHistory(ctx context.Context, tokenID string, limit, offset int) ([]TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = ClampLimit(limit, DefaultTradeHistoryLimit, MaxTradeHistoryLimit)
	all := m.trades[tokenID]

	// newest first
	ordered := make([]TradeRecord, len(all))
	for i, rec := range all {
		ordered[len(all)-1-i] = rec
	}

	if offset >= len(ordered) {
		return []TradeRecord{}, nil
	}
	ordered = ordered[offset:]
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return cloneTrades(ordered), nil
}

func (m *Memory) GetKeyHandle(ctx context.Context, keyID string) (KeyHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.keys[keyID]
	if !ok {
		return KeyHandle{}, &core.NotFoundError{Resource: "key_handle", ID: keyID}
	}
	return k, nil
}

func cloneTrades(in []TradeRecord) []TradeRecord {
	out := make([]TradeRecord, len(in))
	copy(out, in)
	return out
}

func fmtID(prefix string, n int64) string {
	const digits = "0123456789"
	buf := []byte(prefix + "-")
	if n == 0 {
		return string(buf) + "0"
	}
	var rev []byte
	for n > 0 {
		rev = append(rev, digits[n%10])
		n /= 10
	}
	for i := len(rev) - 1; i >= 0; i-- {
		buf = append(buf, rev[i])
	}
	return string(buf)
}
