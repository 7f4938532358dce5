// Command engine boots the market-making engine subsystem: the job
// supervisor (C11) and the four services it manages (balance cache,
// fast-claim engine, flywheel scheduler, reactive engine), fronted by a
// small internal HTTP surface for health, metrics, status, and the admin
// event bus.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/flywheel-engine/engine/internal/adminbus"
	"github.com/flywheel-engine/engine/internal/balance"
	"github.com/flywheel-engine/engine/internal/chain"
	"github.com/flywheel-engine/engine/internal/config"
	"github.com/flywheel-engine/engine/internal/core"
	"github.com/flywheel-engine/engine/internal/executor"
	"github.com/flywheel-engine/engine/internal/fastclaim"
	"github.com/flywheel-engine/engine/internal/flywheel"
	"github.com/flywheel-engine/engine/internal/logger"
	"github.com/flywheel-engine/engine/internal/platform/database"
	"github.com/flywheel-engine/engine/internal/platform/migrations"
	"github.com/flywheel-engine/engine/internal/ratelimit"
	"github.com/flywheel-engine/engine/internal/reactive"
	"github.com/flywheel-engine/engine/internal/registry"
	"github.com/flywheel-engine/engine/internal/server"
	"github.com/flywheel-engine/engine/internal/signer"
	"github.com/flywheel-engine/engine/internal/supervisor"
	"github.com/flywheel-engine/engine/internal/venue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log_ := logger.New("engine", logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	store, closeStore, err := buildStore(cfg, log_)
	if err != nil {
		log_.WithComponent().WithError(err).Fatal("build token registry")
	}
	if closeStore != nil {
		defer closeStore()
	}

	gw, err := chain.New(chain.Config{
		PrimaryURL:     cfg.Chain.RPCURL,
		FallbackURL:    cfg.Chain.FallbackURL,
		RequestTimeout: time.Duration(cfg.Chain.RequestTimeMs) * time.Millisecond,
	})
	if err != nil {
		log_.WithComponent().WithError(err).Fatal("build chain gateway")
	}

	venueAdapter := venue.New(venue.Config{
		CurveBaseURL:         cfg.Venue.CurveBaseURL,
		PoolBaseURL:          cfg.Venue.PoolBaseURL,
		RequestTimeout:       time.Duration(cfg.Venue.RequestTimeoutMs) * time.Millisecond,
		GraduationStaleAfter: time.Duration(cfg.Economics.GraduationStaleAfterS) * time.Second,
	})

	sign, err := buildSigner(cfg, store, log_)
	if err != nil {
		log_.WithComponent().WithError(err).Fatal("build signer")
	}

	exec := executor.New(gw, sign)

	balances := balance.New(gw, store, balance.Config{
		RefreshInterval: time.Duration(cfg.Balance.UpdateIntervalSeconds) * time.Second,
		BatchSize:       cfg.Balance.UpdateBatchSize,
	}, log_.Named("balance-cache"))

	keyLocks := core.NewKeyedMutex()

	claimEngine := fastclaim.New(store, venueAdapter, exec, balances, keyLocks, fastclaim.Config{
		IntervalSeconds:     cfg.FastClaim.IntervalSeconds,
		ThresholdSOL:        cfg.FastClaim.ThresholdSOL,
		MaxConcurrentClaims: cfg.FastClaim.MaxConcurrent,
		BatchDelayMs:        cfg.FastClaim.BatchDelayMs,
		ReserveSOL:          cfg.Economics.ClaimTransferReserve,
		PlatformFeePct:      cfg.Economics.PlatformFeePct,
		PlatformTokenMint:   cfg.Economics.PlatformTokenMint,
		PlatformOpsAddress:  cfg.Economics.PlatformOpsAddress,
		DevMinReserveSOL:    cfg.Economics.DevMinReserveSOL,
	}, log_.Named("fast-claim"))

	scheduler := flywheel.New(store, venueAdapter, exec, balances, keyLocks, flywheel.Config{
		MaxConcurrentPerCycle: cfg.Flywheel.MaxConcurrent,
		RateLimit:             ratelimit.Config{PerMinute: cfg.Flywheel.TurboRateLimitPerMin},
	}, log_.Named("flywheel"))

	reactiveCfg := reactive.DefaultConfig()
	reactiveCfg.WSURL = cfg.Chain.RPCWSURL
	reactiveEngine := reactive.New(gw, store, venueAdapter, exec, balances, keyLocks, reactiveCfg, log_.Named("reactive"))

	bus := adminbus.New(adminbus.Config{JWTSecret: cfg.Auth.JWTSecret}, log_.Named("admin-bus"))
	claimEngine.SetPublisher(bus)
	scheduler.SetPublisher(bus)
	reactiveEngine.SetPublisher(bus)

	sup := supervisor.New(log_.Named("supervisor"))
	sup.SetPublisher(bus)
	sup.Register("balance-cache", balances, cfg.Jobs.BalanceUpdateEnabled)
	sup.Register("fast-claim", claimEngine, cfg.Jobs.FastClaimEnabled)
	sup.Register("flywheel", &flywheelJob{s: scheduler, simpleSec: cfg.Flywheel.IntervalSecondsSimple, turboSec: cfg.Flywheel.IntervalSecondsTurbo}, cfg.Jobs.FlywheelEnabled)
	sup.Register("reactive", reactiveEngine, cfg.Jobs.ReactiveEnabled)
	sup.Register("admin-bus", bus, true)

	mux := server.New(
		func(ctx context.Context) interface{} { return sup.Status(ctx) },
		gw.Health,
		bus,
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log_.WithComponent().WithField("addr", addr).Info("internal http surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log_.WithComponent().WithError(err).Error("http server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx, 10*time.Second); err != nil {
		log_.WithComponent().WithError(err).Error("supervisor reported an error during shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// flywheelJob adapts flywheel.Scheduler's two-cadence Start signature to the
// supervisor's single-cadence Job interface.
type flywheelJob struct {
	s                   *flywheel.Scheduler
	simpleSec, turboSec int
}

func (j *flywheelJob) Name() string { return j.s.Name() }

func (j *flywheelJob) Start(ctx context.Context) error {
	simple, turbo := j.simpleSec, j.turboSec
	if simple <= 0 {
		simple = 60
	}
	if turbo <= 0 {
		turbo = 15
	}
	j.s.Start(ctx, simple, turbo)
	return nil
}

func (j *flywheelJob) Stop(ctx context.Context) error { return j.s.Stop(ctx) }

func (j *flywheelJob) Ready(ctx context.Context) error { return j.s.Ready(ctx) }

// buildStore opens a Postgres-backed registry when DATABASE_DSN is set,
// running migrations first; otherwise it falls back to an in-memory store
// suitable for development and tests.
func buildStore(cfg *config.Config, log_ *logger.Logger) (registry.Store, func(), error) {
	if cfg.Database.DSN == "" {
		log_.WithComponent().Warn("DATABASE_DSN not set, using in-memory token registry")
		return registry.NewMemory(), nil, nil
	}

	db, err := database.Open(context.Background(), database.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(db.DB); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	return registry.NewPostgres(db), func() { _ = db.Close() }, nil
}

// buildSigner selects the local or delegated C3 implementation per
// SIGNER_MODE. The local variant needs every dev/ops address known up
// front, so it is seeded by enumerating every token currently eligible for
// any of the three engine jobs.
func buildSigner(cfg *config.Config, store registry.Store, log_ *logger.Logger) (signer.Signer, error) {
	if cfg.Signer.Mode == "delegated" {
		return signer.NewDelegatedSigner(signer.Config{
			BaseURL:        cfg.Signer.DelegatedBaseURL,
			RequestTimeout: time.Duration(cfg.Signer.RequestTimeoutMs) * time.Millisecond,
		}), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addresses := map[string]string{}
	for _, loader := range []func(context.Context) ([]registry.Token, error){
		store.GetActiveTokensForFlywheel,
		store.GetActiveTokensForClaim,
		store.GetReactiveTokens,
	} {
		tokens, err := loader(ctx)
		if err != nil {
			return nil, fmt.Errorf("load tokens for local signer seed: %w", err)
		}
		for _, t := range tokens {
			for _, keyID := range []string{t.DevKeyID, t.OpsKeyID} {
				if keyID == "" {
					continue
				}
				if _, ok := addresses[keyID]; ok {
					continue
				}
				handle, err := store.GetKeyHandle(ctx, keyID)
				if err != nil {
					log_.WithComponent().WithError(err).WithField("key_id", keyID).Warn("skipping unresolved key handle for local signer")
					continue
				}
				addresses[keyID] = handle.Address
			}
		}
	}
	return signer.NewLocalSigner(addresses), nil
}
