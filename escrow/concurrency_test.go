package escrow

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestConcurrentSettle_ExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	svc, _ := newMemoryService(t, 1_000)
	if err := svc.SetArbitrator(ctx, owner, arbitrator); err != nil {
		t.Fatalf("set arbitrator: %v", err)
	}

	for round := 0; round < 50; round++ {
		id, err := svc.CreateEscrow(ctx, seller, buyer, 10, 10)
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		var wins, losses atomic.Int32
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < 8; i++ {
			g.Go(func() error {
				var err error
				switch i % 3 {
				case 0:
					err = svc.ReleaseEscrow(gctx, seller, id)
				case 1:
					err = svc.CancelEscrow(gctx, seller, id)
				default:
					err = svc.ResolveDispute(gctx, arbitrator, id, buyer)
				}
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrInvalidState):
					losses.Add(1)
				default:
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if wins.Load() != 1 || losses.Load() != 7 {
			t.Fatalf("round %d: expected 1 winner and 7 losers, got %d/%d", round, wins.Load(), losses.Load())
		}
	}
	if a := mustAudit(t, svc); a.Custody != 0 || a.Escrows != 50 {
		t.Fatalf("unexpected audit %+v", a)
	}
}

// TestRandomInterleavings_ConserveValue fires random operations from many
// goroutines and checks the books stay balanced throughout.
func TestRandomInterleavings_ConserveValue(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(owner)
	svc := NewService(repo, quietLogger())
	parties := []Identity{seller, buyer, stranger, arbitrator}
	for _, p := range parties {
		if _, err := svc.Deposit(ctx, p, 500); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	if err := svc.SetArbitrator(ctx, owner, arbitrator); err != nil {
		t.Fatalf("set arbitrator: %v", err)
	}

	var created atomic.Uint64
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < 8; w++ {
		rng := rand.New(rand.NewSource(int64(w) + 1))
		g.Go(func() error {
			for i := 0; i < 300; i++ {
				caller := parties[rng.Intn(len(parties))]
				counter := parties[rng.Intn(len(parties))]
				id := uint64(rng.Intn(int(created.Load())+2)) + 1

				var err error
				switch rng.Intn(6) {
				case 0, 1:
					amount := int64(rng.Intn(20) + 1)
					if _, err = svc.CreateEscrow(gctx, caller, counter, amount, amount); err == nil {
						created.Add(1)
					}
				case 2:
					err = svc.ReleaseEscrow(gctx, caller, id)
				case 3:
					err = svc.CancelEscrow(gctx, caller, id)
				case 4:
					err = svc.ResolveDispute(gctx, caller, id, counter)
				default:
					if rng.Intn(2) == 0 {
						_, err = svc.Deposit(gctx, caller, int64(rng.Intn(10)+1))
					} else {
						_, err = svc.Withdraw(gctx, caller, int64(rng.Intn(10)+1))
					}
				}
				if err != nil && !Rejected(err) {
					return err
				}

				a, err := svc.Audit(gctx)
				if err != nil {
					return err
				}
				if err := a.Check(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("interleaving: %v", err)
	}

	a := mustAudit(t, svc)
	if uint64(a.Escrows) != created.Load() {
		t.Fatalf("expected %d escrows, audit saw %d", created.Load(), a.Escrows)
	}
	for id := uint64(1); id <= created.Load(); id++ {
		if _, err := svc.Escrow(ctx, id); err != nil {
			t.Fatalf("expected gapless ids, escrow %d: %v", id, err)
		}
	}
}
