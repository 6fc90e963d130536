package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu       sync.Mutex
	pending  []Message
	dead     []Message
	done     []Message
	failWith error
}

func (f *fakeSource) Process(ctx context.Context, limit, maxAttempts int, fn func(context.Context, Message) error) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	batch := f.pending[:limit]
	rest := append([]Message(nil), f.pending[limit:]...)
	var retry []Message
	for _, msg := range batch {
		if err := fn(ctx, msg); err != nil {
			msg.Attempts++
			if msg.Attempts >= maxAttempts {
				f.dead = append(f.dead, msg)
			} else {
				retry = append(retry, msg)
			}
			continue
		}
		f.done = append(f.done, msg)
	}
	f.pending = append(retry, rest...)
	return len(batch), nil
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (c *countingObserver) Published(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = make(map[string]int)
	}
	c.outcomes[outcome]++
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func messages(n int) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = Message{ID: string(rune('a' + i)), Topic: "escrow.create", Payload: []byte(`{}`)}
	}
	return out
}

func TestRelayRunOnce_PublishesBatch(t *testing.T) {
	src := &fakeSource{pending: messages(5)}
	var got []string
	pub := PublisherFunc(func(_ context.Context, msg Message) error {
		got = append(got, msg.ID)
		return nil
	})
	obs := &countingObserver{}
	relay := NewRelay(src, pub, discardLogger()).WithBatchSize(3).WithObserver(obs)

	n, err := relay.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 3 || len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("expected first three messages, got %d %v", n, got)
	}
	if len(src.pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(src.pending))
	}
	if obs.outcomes["ok"] != 3 {
		t.Fatalf("expected 3 ok observations, got %v", obs.outcomes)
	}
}

func TestRelayRunOnce_DeadAfterMaxAttempts(t *testing.T) {
	src := &fakeSource{pending: messages(1)}
	pub := PublisherFunc(func(context.Context, Message) error { return errors.New("unavailable") })
	obs := &countingObserver{}
	relay := NewRelay(src, pub, discardLogger()).WithMaxAttempts(2).WithObserver(obs)

	for i := 0; i < 3; i++ {
		if _, err := relay.RunOnce(context.Background()); err != nil {
			t.Fatalf("run once: %v", err)
		}
	}
	if len(src.dead) != 1 || len(src.pending) != 0 {
		t.Fatalf("expected message dead after 2 attempts, dead=%d pending=%d", len(src.dead), len(src.pending))
	}
	if obs.outcomes["failed"] != 2 {
		t.Fatalf("expected 2 failed observations, got %v", obs.outcomes)
	}
}

func TestRelayRunOnce_SourceError(t *testing.T) {
	src := &fakeSource{failWith: errors.New("connection reset")}
	relay := NewRelay(src, PublisherFunc(func(context.Context, Message) error { return nil }), discardLogger())
	if _, err := relay.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected error from source")
	}

	if _, err := NewRelay(nil, nil, nil).RunOnce(context.Background()); err == nil {
		t.Fatalf("expected unconfigured relay to fail")
	}
}

func TestRelayRun_DrainsUntilCancelled(t *testing.T) {
	src := &fakeSource{pending: messages(7)}
	var mu sync.Mutex
	published := 0
	pub := PublisherFunc(func(context.Context, Message) error {
		mu.Lock()
		published++
		mu.Unlock()
		return nil
	})
	relay := NewRelay(src, pub, discardLogger()).WithBatchSize(2).WithInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := published
		mu.Unlock()
		if n == 7 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("relay published %d of 7 messages", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
}

func TestLogPublisher(t *testing.T) {
	var buf syncBuffer
	pub := NewLogPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))
	if err := pub.Publish(context.Background(), Message{ID: "m1", Topic: "escrow.release", Payload: []byte(`{"escrow_id":"4"}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"message_id":"m1"`, `"topic":"escrow.release"`, `escrow_id`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
