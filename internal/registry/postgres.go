package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/flywheel-engine/engine/internal/core"
)

// Postgres is the production Store backed by the schema in
// internal/platform/migrations. It satisfies the same Store interface as
// Memory so the engine's jobs never know which backend they're talking to.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres wraps an already-opened, already-migrated connection.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

type tokenRow struct {
	ID        string    `db:"id"`
	Mint      string    `db:"mint"`
	Symbol    string    `db:"symbol"`
	Decimals  int       `db:"decimals"`
	DevKeyID  string    `db:"dev_key_id"`
	OpsKeyID  string    `db:"ops_key_id"`
	OwnerID   string    `db:"owner_id"`
	CreatedAt time.Time `db:"created_at"`
	Active    bool      `db:"active"`
	Suspended bool      `db:"suspended"`
	Graduated bool      `db:"graduated"`
	VenueHint string    `db:"venue_hint"`
}

func (r tokenRow) toToken() Token {
	return Token{
		ID:        r.ID,
		Mint:      r.Mint,
		Symbol:    r.Symbol,
		Decimals:  r.Decimals,
		DevKeyID:  r.DevKeyID,
		OpsKeyID:  r.OpsKeyID,
		OwnerID:   r.OwnerID,
		CreatedAt: r.CreatedAt,
		Active:    r.Active,
		Suspended: r.Suspended,
		Graduated: r.Graduated,
		VenueHint: TradingRoute(r.VenueHint),
	}
}

const selectEligibleTokens = `
SELECT t.id, t.mint, t.symbol, t.decimals, t.dev_key_id, t.ops_key_id, t.owner_id,
       t.created_at, t.active, t.suspended, t.graduated, t.venue_hint
FROM tokens t
JOIN token_configs c ON c.token_id = t.id
WHERE t.active AND NOT t.suspended AND %s
ORDER BY t.id`

func (p *Postgres) GetActiveTokensForFlywheel(ctx context.Context) ([]Token, error) {
	return p.queryTokens(ctx, fmt.Sprintf(selectEligibleTokens, "c.flywheel_active"))
}

func (p *Postgres) GetActiveTokensForClaim(ctx context.Context) ([]Token, error) {
	return p.queryTokens(ctx, fmt.Sprintf(selectEligibleTokens, "c.auto_claim_enabled"))
}

func (p *Postgres) GetReactiveTokens(ctx context.Context) ([]Token, error) {
	return p.queryTokens(ctx, fmt.Sprintf(selectEligibleTokens, "c.algorithm = 'reactive' AND c.reactive_enabled"))
}

func (p *Postgres) queryTokens(ctx context.Context, query string) ([]Token, error) {
	var rows []tokenRow
	if err := p.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, core.Wrap("registry.postgres", "queryTokens", err)
	}
	out := make([]Token, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toToken())
	}
	return out, nil
}

func (p *Postgres) GetToken(ctx context.Context, tokenID string) (Token, error) {
	var r tokenRow
	err := p.db.GetContext(ctx, &r, `SELECT id, mint, symbol, decimals, dev_key_id, ops_key_id, owner_id,
		created_at, active, suspended, graduated, venue_hint FROM tokens WHERE id = $1`, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, core.NewNotFoundError("token", tokenID)
	}
	if err != nil {
		return Token{}, core.Wrap("registry.postgres", "GetToken", err)
	}
	return r.toToken(), nil
}

type tokenConfigRow struct {
	TokenID            string  `db:"token_id"`
	FlywheelActive     bool    `db:"flywheel_active"`
	AutoClaimEnabled   bool    `db:"auto_claim_enabled"`
	Algorithm          string  `db:"algorithm"`
	MinBuySol          float64 `db:"min_buy_sol"`
	MaxBuySol          float64 `db:"max_buy_sol"`
	MaxSellTokens      int64   `db:"max_sell_tokens"`
	SlippageBps        int     `db:"slippage_bps"`
	TradingRoute       string  `db:"trading_route"`
	TurboIntervalSec   int     `db:"turbo_interval_sec"`
	TurboCycleBuys     int     `db:"turbo_cycle_buys"`
	TurboCycleSells    int     `db:"turbo_cycle_sells"`
	TurboInterTokenMs  int     `db:"turbo_inter_token_ms"`
	TurboRatePerMin    int     `db:"turbo_rate_per_min"`
	TurboConfirmSec    int     `db:"turbo_confirm_sec"`
	TurboBatchUpdates  bool    `db:"turbo_batch_updates"`
	ReactiveEnabled    bool    `db:"reactive_enabled"`
	ReactiveMinSol     float64 `db:"reactive_min_sol"`
	ReactiveScalePct   float64 `db:"reactive_scale_pct"`
	ReactiveMaxPct     float64 `db:"reactive_max_pct"`
	ReactiveCooldownMs int     `db:"reactive_cooldown_ms"`
	DailyLimitSol      float64 `db:"daily_limit_sol"`
	MaxPositionSol     float64 `db:"max_position_sol"`
}

func (r tokenConfigRow) toConfig() TokenConfig {
	return TokenConfig{
		TokenID:          r.TokenID,
		FlywheelActive:   r.FlywheelActive,
		AutoClaimEnabled: r.AutoClaimEnabled,
		Algorithm:        Algorithm(r.Algorithm),
		MinBuySol:        r.MinBuySol,
		MaxBuySol:        r.MaxBuySol,
		MaxSellTokens:    uint64(r.MaxSellTokens),
		SlippageBps:      r.SlippageBps,
		TradingRoute:     TradingRoute(r.TradingRoute),
		Turbo: TurboConfig{
			IntervalSec:       r.TurboIntervalSec,
			CycleBuys:         r.TurboCycleBuys,
			CycleSells:        r.TurboCycleSells,
			InterTokenDelayMs: r.TurboInterTokenMs,
			RateLimitPerMin:   r.TurboRatePerMin,
			ConfirmTimeoutSec: r.TurboConfirmSec,
			BatchStateUpdates: r.TurboBatchUpdates,
		},
		Reactive: ReactiveConfig{
			Enabled:            r.ReactiveEnabled,
			MinTriggerSol:      r.ReactiveMinSol,
			ScalePercent:       r.ReactiveScalePct,
			MaxResponsePercent: r.ReactiveMaxPct,
			CooldownMs:         r.ReactiveCooldownMs,
		},
		DailyLimitSol:  r.DailyLimitSol,
		MaxPositionSol: r.MaxPositionSol,
	}
}

func (p *Postgres) GetTokenConfig(ctx context.Context, tokenID string) (TokenConfig, error) {
	var r tokenConfigRow
	err := p.db.GetContext(ctx, &r, `SELECT token_id, flywheel_active, auto_claim_enabled, algorithm,
		min_buy_sol, max_buy_sol, max_sell_tokens, slippage_bps, trading_route,
		turbo_interval_sec, turbo_cycle_buys, turbo_cycle_sells, turbo_inter_token_ms,
		turbo_rate_per_min, turbo_confirm_sec, turbo_batch_updates,
		reactive_enabled, reactive_min_sol, reactive_scale_pct, reactive_max_pct, reactive_cooldown_ms,
		daily_limit_sol, max_position_sol
		FROM token_configs WHERE token_id = $1`, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenConfig{}, core.NewNotFoundError("token_config", tokenID)
	}
	if err != nil {
		return TokenConfig{}, core.Wrap("registry.postgres", "GetTokenConfig", err)
	}
	return r.toConfig(), nil
}

func (p *Postgres) PutTokenConfig(ctx context.Context, cfg TokenConfig) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO token_configs (token_id, flywheel_active, auto_claim_enabled, algorithm,
			min_buy_sol, max_buy_sol, max_sell_tokens, slippage_bps, trading_route,
			turbo_interval_sec, turbo_cycle_buys, turbo_cycle_sells, turbo_inter_token_ms,
			turbo_rate_per_min, turbo_confirm_sec, turbo_batch_updates,
			reactive_enabled, reactive_min_sol, reactive_scale_pct, reactive_max_pct, reactive_cooldown_ms,
			daily_limit_sol, max_position_sol)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT (token_id) DO UPDATE SET
			flywheel_active=$2, auto_claim_enabled=$3, algorithm=$4,
			min_buy_sol=$5, max_buy_sol=$6, max_sell_tokens=$7, slippage_bps=$8, trading_route=$9,
			turbo_interval_sec=$10, turbo_cycle_buys=$11, turbo_cycle_sells=$12, turbo_inter_token_ms=$13,
			turbo_rate_per_min=$14, turbo_confirm_sec=$15, turbo_batch_updates=$16,
			reactive_enabled=$17, reactive_min_sol=$18, reactive_scale_pct=$19, reactive_max_pct=$20,
			reactive_cooldown_ms=$21, daily_limit_sol=$22, max_position_sol=$23`,
		cfg.TokenID, cfg.FlywheelActive, cfg.AutoClaimEnabled, string(cfg.Algorithm),
		cfg.MinBuySol, cfg.MaxBuySol, int64(cfg.MaxSellTokens), cfg.SlippageBps, string(cfg.TradingRoute),
		cfg.Turbo.IntervalSec, cfg.Turbo.CycleBuys, cfg.Turbo.CycleSells, cfg.Turbo.InterTokenDelayMs,
		cfg.Turbo.RateLimitPerMin, cfg.Turbo.ConfirmTimeoutSec, cfg.Turbo.BatchStateUpdates,
		cfg.Reactive.Enabled, cfg.Reactive.MinTriggerSol, cfg.Reactive.ScalePercent, cfg.Reactive.MaxResponsePercent,
		cfg.Reactive.CooldownMs, cfg.DailyLimitSol, cfg.MaxPositionSol)
	if err != nil {
		return core.Wrap("registry.postgres", "PutTokenConfig", err)
	}
	return nil
}

type flywheelStateRow struct {
	TokenID             string       `db:"token_id"`
	Phase               string       `db:"phase"`
	BuyCount            int          `db:"buy_count"`
	SellCount           int          `db:"sell_count"`
	LastTradeAt         sql.NullTime `db:"last_trade_at"`
	ConsecutiveFailures int          `db:"consecutive_failures"`
	CooldownUntil       sql.NullTime `db:"cooldown_until"`
	BreakerReason       string       `db:"breaker_reason"`
	BreakerOpenedAt     sql.NullTime `db:"breaker_opened_at"`
}

func (r flywheelStateRow) toState() FlywheelState {
	st := FlywheelState{
		TokenID:             r.TokenID,
		Phase:               Phase(r.Phase),
		BuyCount:            r.BuyCount,
		SellCount:           r.SellCount,
		ConsecutiveFailures: r.ConsecutiveFailures,
		BreakerReason:       r.BreakerReason,
	}
	if r.LastTradeAt.Valid {
		st.LastTradeAt = r.LastTradeAt.Time
	}
	if r.CooldownUntil.Valid {
		st.CooldownUntil = r.CooldownUntil.Time
	}
	if r.BreakerOpenedAt.Valid {
		st.BreakerOpenedAt = r.BreakerOpenedAt.Time
	}
	return st
}

func (p *Postgres) GetFlywheelState(ctx context.Context, tokenID string) (FlywheelState, error) {
	var r flywheelStateRow
	err := p.db.GetContext(ctx, &r, `SELECT token_id, phase, buy_count, sell_count, last_trade_at,
		consecutive_failures, cooldown_until, breaker_reason, breaker_opened_at
		FROM flywheel_states WHERE token_id = $1`, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return FlywheelState{TokenID: tokenID, Phase: PhaseCooldown}, nil
	}
	if err != nil {
		return FlywheelState{}, core.Wrap("registry.postgres", "GetFlywheelState", err)
	}
	return r.toState(), nil
}

func (p *Postgres) PutFlywheelState(ctx context.Context, state FlywheelState) error {
	return putFlywheelState(ctx, p.db, state)
}

func putFlywheelState(ctx context.Context, exec sqlx.ExecerContext, state FlywheelState) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO flywheel_states (token_id, phase, buy_count, sell_count, last_trade_at,
			consecutive_failures, cooldown_until, breaker_reason, breaker_opened_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (token_id) DO UPDATE SET
			phase=$2, buy_count=$3, sell_count=$4, last_trade_at=$5,
			consecutive_failures=$6, cooldown_until=$7, breaker_reason=$8, breaker_opened_at=$9`,
		state.TokenID, string(state.Phase), state.BuyCount, state.SellCount, nullableTime(state.LastTradeAt),
		state.ConsecutiveFailures, nullableTime(state.CooldownUntil), state.BreakerReason, nullableTime(state.BreakerOpenedAt))
	if err != nil {
		return core.Wrap("registry.postgres", "PutFlywheelState", err)
	}
	return nil
}

// PutFlywheelStates flushes every state in one transaction, for C8's
// batchStateUpdates=true mode. Each state is still its own upsert
// statement inside that transaction.
func (p *Postgres) PutFlywheelStates(ctx context.Context, states []FlywheelState) error {
	if len(states) == 0 {
		return nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.Wrap("registry.postgres", "PutFlywheelStates", err)
	}
	for _, st := range states {
		if err := putFlywheelState(ctx, tx, st); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return core.Wrap("registry.postgres", "PutFlywheelStates", err)
	}
	return nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func (p *Postgres) AppendClaimRecord(ctx context.Context, rec ClaimRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO claim_records (token_id, gross_sol, platform_fee_sol, user_net_sol, signature, at)
		VALUES ($1,$2,$3,$4,$5, COALESCE($6, now()))`,
		rec.TokenID, rec.GrossSol, rec.PlatformFeeSol, rec.UserNetSol, rec.Signature, nullableTime(rec.At))
	if err != nil {
		return core.Wrap("registry.postgres", "AppendClaimRecord", err)
	}
	return nil
}

func (p *Postgres) AppendTradeRecord(ctx context.Context, rec TradeRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trade_records (token_id, kind, sol_amount, token_amount, signature, status, at, source)
		VALUES ($1,$2,$3,$4,$5,$6, COALESCE($7, now()), $8)`,
		rec.TokenID, string(rec.Kind), rec.SolAmount, int64(rec.TokenAmount), rec.Signature,
		string(rec.Status), nullableTime(rec.At), string(rec.Source))
	if err != nil {
		return core.Wrap("registry.postgres", "AppendTradeRecord", err)
	}
	return nil
}

type tradeRecordRow struct {
	ID          int64     `db:"id"`
	TokenID     string    `db:"token_id"`
	Kind        string    `db:"kind"`
	SolAmount   float64   `db:"sol_amount"`
	TokenAmount int64     `db:"token_amount"`
	Signature   string    `db:"signature"`
	Status      string    `db:"status"`
	At          time.Time `db:"at"`
	Source      string    `db:"source"`
}

func (p *Postgres) ListTradeHistory(ctx context.Context, tokenID string, limit, offset int) ([]TradeRecord, error) {
	limit = ClampLimit(limit, DefaultTradeHistoryLimit, MaxTradeHistoryLimit)
	if offset < 0 {
		offset = 0
	}
	var rows []tradeRecordRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT id, token_id, kind, sol_amount, token_amount, signature, status, at, source
		FROM trade_records WHERE token_id = $1 ORDER BY at DESC LIMIT $2 OFFSET $3`,
		tokenID, limit, offset)
	if err != nil {
		return nil, core.Wrap("registry.postgres", "ListTradeHistory", err)
	}
	out := make([]TradeRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, TradeRecord{
			ID:          fmt.Sprintf("trade-%d", r.ID),
			TokenID:     r.TokenID,
			Kind:        TradeKind(r.Kind),
			SolAmount:   r.SolAmount,
			TokenAmount: uint64(r.TokenAmount),
			Signature:   r.Signature,
			Status:      TradeStatus(r.Status),
			At:          r.At,
			Source:      TradeSource(r.Source),
		})
	}
	return out, nil
}

type keyHandleRow struct {
	KeyID   string `db:"key_id"`
	Address string `db:"address"`
	Kind    string `db:"kind"`
}

func (p *Postgres) GetKeyHandle(ctx context.Context, keyID string) (KeyHandle, error) {
	var r keyHandleRow
	err := p.db.GetContext(ctx, &r, `SELECT key_id, address, kind FROM key_handles WHERE key_id = $1`, keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return KeyHandle{}, core.NewNotFoundError("key_handle", keyID)
	}
	if err != nil {
		return KeyHandle{}, core.Wrap("registry.postgres", "GetKeyHandle", err)
	}
	return KeyHandle{KeyID: r.KeyID, Address: r.Address, Kind: KeyKind(r.Kind)}, nil
}

var _ Store = (*Postgres)(nil)
var _ Store = (*Memory)(nil)
