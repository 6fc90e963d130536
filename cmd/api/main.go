package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"escrowledger/account"
	"escrowledger/config"
	"escrowledger/db"
	"escrowledger/escrow"
	"escrowledger/logging"
	"escrowledger/metrics"
	"escrowledger/migrations"
	"escrowledger/outbox"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("escrow api: %v", err)
	}
}

// stores bundles the backing implementations selected by configuration.
type stores struct {
	ledger   escrow.Repository
	accounts account.Repository
	outbox   outbox.Source
	ready    func(context.Context) error
	close    func()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, closer := logging.Setup(loggingOptions(cfg))
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	owner, err := escrow.ParseIdentity(cfg.Owner)
	if err != nil {
		return fmt.Errorf("owner: %w", err)
	}

	st, err := openStores(ctx, cfg, owner, logger)
	if err != nil {
		return err
	}
	defer st.close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ledgerMetrics := metrics.NewLedger(registry)

	ledger := escrow.NewService(st.ledger, logger).WithMetrics(ledgerMetrics)
	audit, err := ledger.Audit(ctx)
	if err != nil {
		return err
	}
	if err := audit.Check(); err != nil {
		return err
	}
	ledgerMetrics.SetCustody(audit.Custody)

	limiter := NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	server := &Server{
		ledger:   ledger,
		accounts: account.NewService(st.accounts, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration),
		logger:   logger,
		metrics:  ledgerMetrics,
		limiter:  limiter,
		gatherer: registry,
		ready:    st.ready,
	}

	relay := outbox.NewRelay(st.outbox, outbox.NewLogPublisher(logger), logger).
		WithInterval(cfg.Outbox.PollInterval.Duration).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxAttempts(cfg.Outbox.MaxAttempts).
		WithObserver(ledgerMetrics)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("escrow api listening", slog.String("addr", cfg.Listen), slog.String("store", cfg.Store))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				limiter.Sweep()
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("escrow api stopped")
	return nil
}

func loggingOptions(cfg config.Config) logging.Options {
	return logging.Options{
		Service:    "escrow-api",
		Env:        cfg.Env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
}

func openStores(ctx context.Context, cfg config.Config, owner escrow.Identity, logger *slog.Logger) (stores, error) {
	if cfg.Store == config.StoreMemory {
		repo := escrow.NewMemoryRepository(owner)
		logger.Warn("using in-memory store; state is lost on restart")
		return stores{
			ledger:   repo,
			accounts: account.NewMemoryRepository(),
			outbox:   repo,
			close:    func() {},
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime.Duration,
		ApplicationName: "escrow-api",
	})
	if err != nil {
		return stores{}, fmt.Errorf("bootstrap database pool: %w", err)
	}
	applied, err := db.Migrate(ctx, pool, migrations.FS)
	if err != nil {
		pool.Close()
		return stores{}, err
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", slog.Any("files", applied))
	}
	repo := escrow.NewPGRepository(pool)
	if err := repo.Bootstrap(ctx, owner); err != nil {
		pool.Close()
		return stores{}, err
	}
	return stores{
		ledger:   repo,
		accounts: account.NewPGRepository(pool),
		outbox:   outbox.NewPGSource(pool),
		ready:    pool.Ping,
		close:    pool.Close,
	}, nil
}
