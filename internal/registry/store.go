package registry

import "context"

// Store is the token registry's single read/write surface. Flywheel,
// fast-claim, and reactive each read their candidate token sets through the
// three Get*For* methods rather than querying tokens directly, so the
// eligibility rules live in one place.
type Store interface {
	// GetActiveTokensForFlywheel returns tokens eligible for flywheel
	// scheduling (active, not suspended, FlywheelActive true).
	GetActiveTokensForFlywheel(ctx context.Context) ([]Token, error)
	// GetActiveTokensForClaim returns tokens eligible for fast-claim runs
	// (active, not suspended, AutoClaimEnabled true).
	GetActiveTokensForClaim(ctx context.Context) ([]Token, error)
	// GetReactiveTokens returns tokens configured for reactive-mode trading.
	GetReactiveTokens(ctx context.Context) ([]Token, error)

	GetToken(ctx context.Context, tokenID string) (Token, error)
	GetTokenConfig(ctx context.Context, tokenID string) (TokenConfig, error)
	PutTokenConfig(ctx context.Context, cfg TokenConfig) error

	GetFlywheelState(ctx context.Context, tokenID string) (FlywheelState, error)
	PutFlywheelState(ctx context.Context, state FlywheelState) error
	// PutFlywheelStates flushes a batch of state transitions in one store
	// transaction, for C8's batchStateUpdates=true mode.
	PutFlywheelStates(ctx context.Context, states []FlywheelState) error

	AppendClaimRecord(ctx context.Context, rec ClaimRecord) error
	AppendTradeRecord(ctx context.Context, rec TradeRecord) error
	ListTradeHistory(ctx context.Context, tokenID string, limit, offset int) ([]TradeRecord, error)

	GetKeyHandle(ctx context.Context, keyID string) (KeyHandle, error)
}
