package escrow

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

var (
	owner      = MustIdentity("0x1000000000000000000000000000000000000001")
	seller     = MustIdentity("0x2000000000000000000000000000000000000002")
	buyer      = MustIdentity("0x3000000000000000000000000000000000000003")
	arbitrator = MustIdentity("0x4000000000000000000000000000000000000004")
	stranger   = MustIdentity("0x5000000000000000000000000000000000000005")
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock() func() time.Time {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

// newMemoryService returns a service over an empty memory ledger where the
// seller already holds funds.
func newMemoryService(t *testing.T, sellerFunds int64) (*Service, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository(owner)
	svc := NewService(repo, quietLogger()).WithClock(fixedClock())
	if sellerFunds > 0 {
		if _, err := svc.Deposit(context.Background(), seller, sellerFunds); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	return svc, repo
}

func mustAudit(t *testing.T, svc *Service) Audit {
	t.Helper()
	a, err := svc.Audit(context.Background())
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if err := a.Check(); err != nil {
		t.Fatalf("books broken: %v (%+v)", err, a)
	}
	return a
}
