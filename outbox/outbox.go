package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Message is a committed event waiting to be published.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Publisher delivers a message downstream. A returned error leaves the message
// pending until it exhausts its attempts.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Source claims pending messages, hands each to fn and records the outcome in
// the same unit of work. Messages whose attempts reach maxAttempts are dead.
type Source interface {
	Process(ctx context.Context, limit, maxAttempts int, fn func(context.Context, Message) error) (int, error)
}

// Observer is notified of every publish outcome.
type Observer interface {
	Published(outcome string)
}

// Relay drains a Source into a Publisher.
type Relay struct {
	source      Source
	publisher   Publisher
	logger      *slog.Logger
	observer    Observer
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

func NewRelay(source Source, publisher Publisher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		source:      source,
		publisher:   publisher,
		logger:      logger,
		interval:    time.Second,
		batchSize:   50,
		maxAttempts: 5,
	}
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *Relay) WithObserver(o Observer) *Relay {
	r.observer = o
	return r
}

// RunOnce processes one batch and returns how many messages were handed to the
// publisher.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	if r.source == nil || r.publisher == nil {
		return 0, errors.New("outbox: relay not configured")
	}
	n, err := r.source.Process(ctx, r.batchSize, r.maxAttempts, func(ctx context.Context, msg Message) error {
		err := r.publisher.Publish(ctx, msg)
		r.observe(err)
		if err != nil {
			r.logger.Warn("outbox publish failed",
				slog.String("message_id", msg.ID),
				slog.String("topic", msg.Topic),
				slog.Int("attempts", msg.Attempts+1),
				slog.Any("error", err))
		}
		return err
	})
	if err != nil {
		return n, fmt.Errorf("outbox: process batch: %w", err)
	}
	return n, nil
}

// Run polls until ctx is done. Full batches are followed immediately by
// another pass.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		n, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("outbox relay", slog.Any("error", err))
		}
		if err == nil && n >= r.batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Relay) observe(err error) {
	if r.observer == nil {
		return
	}
	if err != nil {
		r.observer.Published("failed")
		return
	}
	r.observer.Published("ok")
}
