// Package config loads the engine's configuration from defaults, an
// optional YAML file, and environment variables, in that order.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/flywheel-engine/engine/internal/core"
)

// ServerConfig controls the internal HTTP server (health, metrics, admin bus).
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the token registry's Postgres store.
type DatabaseConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls log level/format/destination.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// ChainConfig addresses the RPC gateway (C1).
type ChainConfig struct {
	RPCURL        string `json:"rpc_url" yaml:"rpc_url" env:"RPC_URL"`
	RPCWSURL      string `json:"rpc_ws_url" yaml:"rpc_ws_url" env:"RPC_WS_URL"`
	FallbackURL   string `json:"fallback_url" yaml:"fallback_url" env:"RPC_FALLBACK_URL"`
	RequestTimeMs int    `json:"request_timeout_ms" yaml:"request_timeout_ms" env:"RPC_REQUEST_TIMEOUT_MS"`
}

// FastClaimConfig controls C7.
type FastClaimConfig struct {
	IntervalSeconds int     `json:"interval_seconds" yaml:"interval_seconds" env:"FAST_CLAIM_INTERVAL_SECONDS"`
	ThresholdSOL    float64 `json:"threshold_sol" yaml:"threshold_sol" env:"FAST_CLAIM_THRESHOLD_SOL"`
	MaxConcurrent   int     `json:"max_concurrent" yaml:"max_concurrent" env:"FAST_CLAIM_MAX_CONCURRENT"`
	BatchDelayMs    int     `json:"batch_delay_ms" yaml:"batch_delay_ms" env:"FAST_CLAIM_BATCH_DELAY_MS"`
}

// FlywheelConfig controls C8.
type FlywheelConfig struct {
	IntervalSecondsSimple int `json:"interval_seconds_simple" yaml:"interval_seconds_simple" env:"FLYWHEEL_INTERVAL_SECONDS"`
	IntervalSecondsTurbo  int `json:"interval_seconds_turbo" yaml:"interval_seconds_turbo" env:"FLYWHEEL_INTERVAL_SECONDS_TURBO"`
	MaxConcurrent         int `json:"max_concurrent" yaml:"max_concurrent" env:"FLYWHEEL_MAX_CONCURRENT"`
	TurboRateLimitPerMin  int `json:"turbo_rate_limit_per_min" yaml:"turbo_rate_limit_per_min" env:"TURBO_RATE_LIMIT_PER_MIN"`
	TurboInterTokenDelay  int `json:"turbo_inter_token_delay_ms" yaml:"turbo_inter_token_delay_ms" env:"TURBO_INTER_TOKEN_DELAY_MS"`
}

// BalanceConfig controls C6.
type BalanceConfig struct {
	UpdateIntervalSeconds int `json:"update_interval_seconds" yaml:"update_interval_seconds" env:"BALANCE_UPDATE_INTERVAL_SECONDS"`
	UpdateBatchSize       int `json:"update_batch_size" yaml:"update_batch_size" env:"BALANCE_UPDATE_BATCH_SIZE"`
}

// EconomicsConfig holds platform-fee and reserve invariants shared by C7/C8.
type EconomicsConfig struct {
	PlatformFeePct        float64 `json:"platform_fee_pct" yaml:"platform_fee_pct" env:"PLATFORM_FEE_PCT"`
	PlatformTokenMint     string  `json:"platform_token_mint" yaml:"platform_token_mint" env:"PLATFORM_TOKEN_MINT"`
	PlatformOpsAddress    string  `json:"platform_ops_address" yaml:"platform_ops_address" env:"PLATFORM_OPS_ADDRESS"`
	DevMinReserveSOL      float64 `json:"dev_min_reserve_sol" yaml:"dev_min_reserve_sol" env:"DEV_MIN_RESERVE_SOL"`
	ClaimTransferReserve  float64 `json:"claim_transfer_reserve_sol" yaml:"claim_transfer_reserve_sol" env:"CLAIM_TRANSFER_RESERVE_SOL"`
	GraduationStaleAfterS int     `json:"graduation_stale_after_seconds" yaml:"graduation_stale_after_seconds" env:"GRADUATION_STALE_AFTER_SECONDS"`
}

// AuthConfig controls the admin event bus's JWT verification (C10).
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
}

// SignerConfig selects and addresses the C3 signer implementation.
type SignerConfig struct {
	Mode             string `json:"mode" yaml:"mode" env:"SIGNER_MODE"`
	DelegatedBaseURL string `json:"delegated_base_url" yaml:"delegated_base_url" env:"SIGNER_DELEGATED_URL"`
	RequestTimeoutMs int    `json:"request_timeout_ms" yaml:"request_timeout_ms" env:"SIGNER_REQUEST_TIMEOUT_MS"`
}

// VenueConfig addresses the C2 venue adapter's two backends.
type VenueConfig struct {
	CurveBaseURL     string `json:"curve_base_url" yaml:"curve_base_url" env:"VENUE_CURVE_BASE_URL"`
	PoolBaseURL      string `json:"pool_base_url" yaml:"pool_base_url" env:"VENUE_POOL_BASE_URL"`
	RequestTimeoutMs int    `json:"request_timeout_ms" yaml:"request_timeout_ms" env:"VENUE_REQUEST_TIMEOUT_MS"`
}

// JobsConfig toggles each of C11's managed jobs independently, mirroring
// spec.md §6's *_JOB_ENABLED switches.
type JobsConfig struct {
	FastClaimEnabled     bool `json:"fast_claim_enabled" yaml:"fast_claim_enabled" env:"FAST_CLAIM_JOB_ENABLED"`
	FlywheelEnabled      bool `json:"flywheel_enabled" yaml:"flywheel_enabled" env:"FLYWHEEL_JOB_ENABLED"`
	BalanceUpdateEnabled bool `json:"balance_update_enabled" yaml:"balance_update_enabled" env:"BALANCE_UPDATE_JOB_ENABLED"`
	ReactiveEnabled      bool `json:"reactive_enabled" yaml:"reactive_enabled" env:"REACTIVE_JOB_ENABLED"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Chain     ChainConfig     `json:"chain" yaml:"chain"`
	FastClaim FastClaimConfig `json:"fast_claim" yaml:"fast_claim"`
	Flywheel  FlywheelConfig  `json:"flywheel" yaml:"flywheel"`
	Balance   BalanceConfig   `json:"balance" yaml:"balance"`
	Economics EconomicsConfig `json:"economics" yaml:"economics"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Jobs      JobsConfig      `json:"jobs" yaml:"jobs"`
	Signer    SignerConfig    `json:"signer" yaml:"signer"`
	Venue     VenueConfig     `json:"venue" yaml:"venue"`
}

// New returns a Config populated with the defaults spec.md §6 names.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "flywheel-engine",
		},
		Chain: ChainConfig{
			RequestTimeMs: 2000,
		},
		FastClaim: FastClaimConfig{
			IntervalSeconds: 30,
			ThresholdSOL:    0.15,
			MaxConcurrent:   5,
			BatchDelayMs:    500,
		},
		Flywheel: FlywheelConfig{
			IntervalSecondsSimple: 60,
			IntervalSecondsTurbo:  15,
			MaxConcurrent:         5,
			TurboRateLimitPerMin:  60,
			TurboInterTokenDelay:  200,
		},
		Balance: BalanceConfig{
			UpdateIntervalSeconds: 300,
			UpdateBatchSize:       50,
		},
		Economics: EconomicsConfig{
			PlatformFeePct:        10,
			DevMinReserveSOL:      0.03,
			ClaimTransferReserve:  0.1,
			GraduationStaleAfterS: 300,
		},
		Jobs: JobsConfig{
			FastClaimEnabled:     true,
			FlywheelEnabled:      true,
			BalanceUpdateEnabled: true,
			ReactiveEnabled:      true,
		},
		Signer: SignerConfig{
			Mode:             "local",
			RequestTimeoutMs: 5000,
		},
		Venue: VenueConfig{
			RequestTimeoutMs: 3000,
		},
	}
}

// Load loads configuration from an optional .env, an optional YAML file
// (CONFIG_FILE or configs/config.yaml), then applies environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else if err := loadFromFile("configs/config.yaml", cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects a configuration missing required fields, returning a
// core.ConfigInvalidError identifying the first offending field.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		return &core.ConfigInvalidError{Field: "RPC_URL", Reason: "required"}
	}
	if strings.TrimSpace(c.Chain.RPCWSURL) == "" {
		return &core.ConfigInvalidError{Field: "RPC_WS_URL", Reason: "required"}
	}
	if c.Economics.PlatformFeePct < 0 || c.Economics.PlatformFeePct > 100 {
		return &core.ConfigInvalidError{Field: "PLATFORM_FEE_PCT", Reason: "must be between 0 and 100"}
	}
	if c.Flywheel.IntervalSecondsTurbo <= 0 || c.Flywheel.IntervalSecondsSimple <= 0 {
		return &core.ConfigInvalidError{Field: "FLYWHEEL_INTERVAL_SECONDS", Reason: "must be positive"}
	}
	switch c.Signer.Mode {
	case "local":
	case "delegated":
		if strings.TrimSpace(c.Signer.DelegatedBaseURL) == "" {
			return &core.ConfigInvalidError{Field: "SIGNER_DELEGATED_URL", Reason: "required when SIGNER_MODE=delegated"}
		}
	default:
		return &core.ConfigInvalidError{Field: "SIGNER_MODE", Reason: "must be local or delegated"}
	}
	return nil
}
