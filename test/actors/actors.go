package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"escrowledger/escrow"
	"escrowledger/outbox"
)

// Stats counts actor outcomes across the run.
type Stats struct {
	Committed atomic.Int64
	Rejected  atomic.Int64
	Dropped   atomic.Int64
	Published atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("committed=%d rejected=%d dropped=%d published=%d",
		s.Committed.Load(), s.Rejected.Load(), s.Dropped.Load(), s.Published.Load())
}

// record classifies err. Validation outcomes and connections severed by
// chaos are expected; anything else is returned and fails the run.
func (s *Stats) record(actor string, err error) error {
	switch {
	case err == nil:
		s.Committed.Add(1)
		return nil
	case escrow.Rejected(err):
		s.Rejected.Add(1)
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case transient(err):
		s.Dropped.Add(1)
		return nil
	default:
		return fmt.Errorf("%s: %w", actor, err)
	}
}

func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P")
	}
	// Connection-level failures surface without a server error code.
	return true
}

func stopped(ctx context.Context, stop <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return errStopped
	default:
		return nil
	}
}

var errStopped = errors.New("stopped")

func loop(ctx context.Context, stop <-chan struct{}, pause func() time.Duration, step func() error) error {
	for {
		if err := stopped(ctx, stop); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
		if err := step(); err != nil {
			return err
		}
		time.Sleep(pause())
	}
}

func jitter(base, spread int) func() time.Duration {
	return func() time.Duration {
		return time.Duration(base+rand.Intn(spread)) * time.Millisecond
	}
}

func pick(ids []escrow.Identity) escrow.Identity {
	return ids[rand.Intn(len(ids))]
}

// openEscrow returns a random open escrow from the newest page, or zero.
func openEscrow(ctx context.Context, svc *escrow.Service) (escrow.Record, error) {
	records, _, err := svc.List(ctx, escrow.ListFilter{Status: escrow.StatusCreated, PageSize: 50})
	if err != nil || len(records) == 0 {
		return escrow.Record{}, err
	}
	return records[rand.Intn(len(records))], nil
}

// Depositor moves value in and out of random accounts.
func Depositor(ctx context.Context, svc *escrow.Service, stats *Stats, accounts []escrow.Identity, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(20, 40), func() error {
		who := pick(accounts)
		amount := int64(1 + rand.Intn(200))
		var err error
		if rand.Intn(4) == 0 {
			_, err = svc.Withdraw(ctx, who, amount)
		} else {
			_, err = svc.Deposit(ctx, who, amount)
		}
		return stats.record("depositor", err)
	})
}

// Creator opens escrows between random sellers and buyers, sometimes
// overdrawing on purpose.
func Creator(ctx context.Context, svc *escrow.Service, stats *Stats, parties []escrow.Identity, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(10, 20), func() error {
		seller, buyer := pick(parties), pick(parties)
		amount := int64(1 + rand.Intn(150))
		_, err := svc.CreateEscrow(ctx, seller, buyer, amount, amount)
		return stats.record("creator", err)
	})
}

// Settler races to release or cancel open escrows. Callers are sometimes the
// wrong party so authorization is exercised under contention.
func Settler(ctx context.Context, svc *escrow.Service, stats *Stats, parties []escrow.Identity, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(10, 30), func() error {
		rec, err := openEscrow(ctx, svc)
		if err != nil || rec.ID == 0 {
			return stats.record("settler", err)
		}
		caller := rec.Seller
		if rand.Intn(5) == 0 {
			caller = pick(parties)
		}
		if rand.Intn(2) == 0 {
			err = svc.ReleaseEscrow(ctx, caller, rec.ID)
		} else {
			err = svc.CancelEscrow(ctx, caller, rec.ID)
		}
		return stats.record("settler", err)
	})
}

// Resolver settles open escrows as one of the arbitrator candidates, who may
// or may not hold the role at that moment.
func Resolver(ctx context.Context, svc *escrow.Service, stats *Stats, candidates []escrow.Identity, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(20, 40), func() error {
		rec, err := openEscrow(ctx, svc)
		if err != nil || rec.ID == 0 {
			return stats.record("resolver", err)
		}
		beneficiary := rec.Buyer
		if rand.Intn(2) == 0 {
			beneficiary = rec.Seller
		}
		return stats.record("resolver", svc.ResolveDispute(ctx, pick(candidates), rec.ID, beneficiary))
	})
}

// Assigner rotates the arbitrator among candidates. Non-owners try as well.
func Assigner(ctx context.Context, svc *escrow.Service, stats *Stats, owner escrow.Identity, candidates []escrow.Identity, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(150, 150), func() error {
		caller := owner
		if rand.Intn(4) == 0 {
			caller = pick(candidates)
		}
		return stats.record("assigner", svc.SetArbitrator(ctx, caller, pick(candidates)))
	})
}

// FlakyPublisher fails roughly one publish in failEvery.
func FlakyPublisher(stats *Stats, failEvery int) outbox.Publisher {
	return outbox.PublisherFunc(func(context.Context, outbox.Message) error {
		if failEvery > 0 && rand.Intn(failEvery) == 0 {
			return errors.New("downstream unavailable")
		}
		stats.Published.Add(1)
		return nil
	})
}

// OutboxWorker drains the outbox through relay until stopped.
func OutboxWorker(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(50, 50), func() error {
		if _, err := relay.RunOnce(ctx); err != nil && !transient(err) {
			return fmt.Errorf("outbox worker: %w", err)
		}
		return nil
	})
}
