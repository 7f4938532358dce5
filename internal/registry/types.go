// Package registry implements the token registry (C5): loading active
// tokens and configuration, and recording flywheel state, claims, and
// trades.
package registry

import "time"

// Algorithm is a token's configured trading strategy.
type Algorithm string

const (
	AlgorithmSimple    Algorithm = "simple"
	AlgorithmTurbo     Algorithm = "turbo"
	AlgorithmReactive  Algorithm = "reactive"
	AlgorithmRebalance Algorithm = "rebalance"
)

// TradingRoute selects which venue backend a token uses.
type TradingRoute string

const (
	TradingRouteAuto  TradingRoute = "auto"
	TradingRouteCurve TradingRoute = "curve"
	TradingRoutePool  TradingRoute = "pool"
)

// Phase is a token's flywheel cycle phase.
type Phase string

const (
	PhaseBuying      Phase = "buying"
	PhaseSelling     Phase = "selling"
	PhaseCooldown    Phase = "cooldown"
	PhaseBreakerOpen Phase = "breaker_open"
)

// TradeKind distinguishes buy/sell/transfer records.
type TradeKind string

const (
	TradeKindBuy      TradeKind = "buy"
	TradeKindSell     TradeKind = "sell"
	TradeKindTransfer TradeKind = "transfer"
)

// TradeStatus is a TradeRecord's lifecycle status.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusConfirmed TradeStatus = "confirmed"
	TradeStatusFailed    TradeStatus = "failed"
)

// TradeSource identifies which subsystem issued a trade.
type TradeSource string

const (
	TradeSourceFlywheel TradeSource = "flywheel"
	TradeSourceReactive TradeSource = "reactive"
	TradeSourceManual   TradeSource = "manual"
)

// KeyKind distinguishes local vs. delegated key material.
type KeyKind string

const (
	KeyKindLocal     KeyKind = "local"
	KeyKindDelegated KeyKind = "delegated"
)

// Token is a tenant-registered mint the engine trades.
type Token struct {
	ID         string
	Mint       string
	Symbol     string
	Decimals   int
	DevKeyID   string
	OpsKeyID   string
	OwnerID    string
	CreatedAt  time.Time
	Active     bool
	Suspended  bool
	Graduated  bool
	VenueHint  TradingRoute
}

// Eligible reports whether the token may receive engine-initiated activity.
func (t Token) Eligible() bool {
	return t.Active && !t.Suspended
}

// TurboConfig holds turbo-mode-specific tuning.
type TurboConfig struct {
	IntervalSec         int
	CycleBuys           int
	CycleSells          int
	InterTokenDelayMs   int
	RateLimitPerMin     int
	ConfirmTimeoutSec   int
	BatchStateUpdates   bool
}

// ReactiveConfig holds reactive-mode-specific tuning.
type ReactiveConfig struct {
	Enabled            bool
	MinTriggerSol      float64
	ScalePercent       float64
	MaxResponsePercent float64
	CooldownMs         int
}

// TokenConfig is a token's engine-tunable behavior, with documented
// defaults applied at load time by DefaultTokenConfig.
type TokenConfig struct {
	TokenID          string
	FlywheelActive   bool
	AutoClaimEnabled bool
	Algorithm        Algorithm
	MinBuySol        float64
	MaxBuySol        float64
	MaxSellTokens    uint64
	SlippageBps      int
	TradingRoute     TradingRoute
	Turbo            TurboConfig
	Reactive         ReactiveConfig
	DailyLimitSol    float64
	MaxPositionSol   float64
}

// DefaultTokenConfig returns the documented defaults for algorithm: simple =
// 5/5 @60s; turbo = 8/8 @15s; reactive scale=10%/SOL cap 80%.
func DefaultTokenConfig(tokenID string, algorithm Algorithm) TokenConfig {
	cfg := TokenConfig{
		TokenID:      tokenID,
		Algorithm:    algorithm,
		MinBuySol:    0.05,
		MaxBuySol:    0.2,
		SlippageBps:  100,
		TradingRoute: TradingRouteAuto,
		Turbo: TurboConfig{
			IntervalSec:       15,
			CycleBuys:         8,
			CycleSells:        8,
			InterTokenDelayMs: 200,
			RateLimitPerMin:   60,
			ConfirmTimeoutSec: 45,
		},
		Reactive: ReactiveConfig{
			ScalePercent:       10,
			MaxResponsePercent: 80,
			CooldownMs:         5000,
		},
	}
	return cfg
}

// CycleBuys returns the configured buy count for the token's current mode.
func (c TokenConfig) CycleBuys() int {
	if c.Algorithm == AlgorithmTurbo {
		return c.Turbo.CycleBuys
	}
	return 5
}

// CycleSells returns the configured sell count for the token's current mode.
func (c TokenConfig) CycleSells() int {
	if c.Algorithm == AlgorithmTurbo {
		return c.Turbo.CycleSells
	}
	return 5
}

// IntervalSeconds returns the tick interval for the token's current mode.
func (c TokenConfig) IntervalSeconds() int {
	if c.Algorithm == AlgorithmTurbo {
		if c.Turbo.IntervalSec > 0 {
			return c.Turbo.IntervalSec
		}
		return 15
	}
	return 60
}

// FlywheelState is the per-token cycle state machine's persisted state.
type FlywheelState struct {
	TokenID             string
	Phase               Phase
	BuyCount            int
	SellCount           int
	LastTradeAt         time.Time
	ConsecutiveFailures int
	CooldownUntil       time.Time
	BreakerReason       string
	BreakerOpenedAt     time.Time
}

// BreakerOpen reports whether the circuit breaker is tripped: at least 5
// consecutive failures and still within the 24h auto-resume window.
func (s FlywheelState) BreakerOpen(now time.Time) bool {
	if s.ConsecutiveFailures < 5 || s.BreakerOpenedAt.IsZero() {
		return false
	}
	return now.Sub(s.BreakerOpenedAt) < 24*time.Hour
}

// InCooldown reports whether the state's post-failure cooldown has not yet
// elapsed.
func (s FlywheelState) InCooldown(now time.Time) bool {
	return !s.CooldownUntil.IsZero() && now.Before(s.CooldownUntil)
}

// EffectivePhase overlays BREAKER_OPEN/COOLDOWN onto the persisted
// BUYING/SELLING phase without destroying it, so the scheduler always knows
// which side to resume once the gate lifts. A never-initialized state
// (store default: Phase=COOLDOWN, CooldownUntil zero) resolves to BUYING
// once the inactive gate is seen through.
func (s FlywheelState) EffectivePhase(now time.Time) Phase {
	if s.BreakerOpen(now) {
		return PhaseBreakerOpen
	}
	if s.InCooldown(now) {
		return PhaseCooldown
	}
	switch s.Phase {
	case PhaseBuying, PhaseSelling:
		return s.Phase
	default:
		return PhaseBuying
	}
}

// ClaimRecord is an append-only record of one fast-claim execution.
type ClaimRecord struct {
	ID             string
	TokenID        string
	GrossSol       float64
	PlatformFeeSol float64
	UserNetSol     float64
	Signature      string
	At             time.Time
}

// TradeRecord is an append-only record of one swap/transfer.
type TradeRecord struct {
	ID         string
	TokenID    string
	Kind       TradeKind
	SolAmount  float64
	TokenAmount uint64
	Signature  string
	Status     TradeStatus
	At         time.Time
	Source     TradeSource
}

// KeyHandle identifies a custodial key without ever carrying secret material.
type KeyHandle struct {
	KeyID   string
	Address string
	Kind    KeyKind
}

// BalanceSnapshot is a point-in-time balance reading owned by the balance
// cache (C6) and only read by the rest of the engine.
type BalanceSnapshot struct {
	KeyID       string
	SolLamports uint64
	TokenUnits  uint64
	At          time.Time
}
