package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowledger/escrow"
	"escrowledger/outbox"
	"escrowledger/test/actors"
	"escrowledger/test/chaos"
	"escrowledger/test/infra"
	"escrowledger/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors per role")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random ledger backends while running")
)

var (
	stressOwner = escrow.MustIdentity("0x00000000000000000000000000000000000000a1")
	parties     = []escrow.Identity{
		escrow.MustIdentity("0x00000000000000000000000000000000000000b1"),
		escrow.MustIdentity("0x00000000000000000000000000000000000000b2"),
		escrow.MustIdentity("0x00000000000000000000000000000000000000b3"),
		escrow.MustIdentity("0x00000000000000000000000000000000000000b4"),
		escrow.MustIdentity("0x00000000000000000000000000000000000000b5"),
	}
	arbitrators = []escrow.Identity{
		escrow.MustIdentity("0x00000000000000000000000000000000000000c1"),
		escrow.MustIdentity("0x00000000000000000000000000000000000000c2"),
	}
)

func TestLedgerConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in short mode")
	}

	var (
		pgC        = &infra.PGContainer{}
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn, usedShared = *flDSN, true
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn, usedShared = os.Getenv("STRESS_TEST_PG_DSN"), true
	case dockerAvailable(ctx):
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	default:
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no postgres available: %v", err)
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared, int32(4*(*flConcurrency)+8))
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	if err := infra.Reset(ctx, pool); err != nil {
		t.Fatalf("reset: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := escrow.NewPGRepository(pool)
	if err := repo.Bootstrap(ctx, stressOwner); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	svc := escrow.NewService(repo, logger)
	stats := &actors.Stats{}
	relay := outbox.NewRelay(outbox.NewPGSource(pool), actors.FlakyPublisher(stats, 10), logger).
		WithBatchSize(25).
		WithMaxAttempts(3)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Creator(ctx2, svc, stats, parties, stop) })
		g.Go(func() error { return actors.Settler(ctx2, svc, stats, parties, stop) })
	}
	g.Go(func() error { return actors.Depositor(ctx2, svc, stats, parties, stop) })
	g.Go(func() error { return actors.Resolver(ctx2, svc, stats, arbitrators, stop) })
	g.Go(func() error { return actors.Assigner(ctx2, svc, stats, stressOwner, arbitrators, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, relay, stop) })
	killed := make(chan int, 1)
	go func() {
		if !*flChaos {
			killed <- 0
			return
		}
		killed <- chaos.TerminateRandomBackend(ctx2, pool, infra.ApplicationName, stop)
	}()

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failure string
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Logf("oracle %s query error: %v", name, err)
				continue
			}
			if name != "" {
				failure = fmt.Sprintf("oracle %s failed. First row: %s", name, row)
				break loop
			}
		}
	}

	close(stop)
	actorErr := g.Wait()
	t.Logf("stress done: %s backends_killed=%d", stats, <-killed)

	if failure != "" {
		dumpRecent(t, context.Background(), pool)
		t.Fatal(failure)
	}
	if actorErr != nil && !errors.Is(actorErr, context.Canceled) && !errors.Is(actorErr, context.DeadlineExceeded) {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("actors errored: %v", actorErr)
	}

	// Drain whatever the relay has not reached yet, then check once more at rest.
	for {
		n, err := relay.RunOnce(context.Background())
		if err != nil || n == 0 {
			break
		}
	}
	if name, row, err := oracles.Run(context.Background(), pool); err != nil || name != "" {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("final oracle %s failed: row=%s err=%v", name, row, err)
	}
	audit, err := svc.Audit(context.Background())
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if err := audit.Check(); err != nil {
		t.Fatalf("final audit: %v (%+v)", err, audit)
	}
	if stats.Committed.Load() == 0 {
		t.Fatalf("no operation committed: %s", stats)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"escrows", `SELECT id, buyer, seller, amount, status, beneficiary, settled_by FROM escrows ORDER BY id DESC LIMIT 50`},
		{"escrow_events", `SELECT escrow_id, seq, op, status, amount, actor, occurred_at FROM escrow_events ORDER BY occurred_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
		{"balances", `SELECT owner, amount FROM balances ORDER BY owner`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
