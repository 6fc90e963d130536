package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"escrowledger/outbox"
)

func TestMemoryRepository_ProcessDrainsInOrder(t *testing.T) {
	ctx := context.Background()
	svc, repo := newMemoryService(t, 100)
	_ = svc.SetArbitrator(ctx, owner, arbitrator)
	id, _ := svc.CreateEscrow(ctx, seller, buyer, 10, 10)
	_ = svc.ReleaseEscrow(ctx, seller, id)

	var topics []string
	n, err := repo.Process(ctx, 10, 3, func(_ context.Context, msg outbox.Message) error {
		topics = append(topics, msg.Topic)
		return nil
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	want := []string{"escrow.set_arbitrator", "escrow.create", "escrow.release"}
	if n != len(want) || len(topics) != len(want) {
		t.Fatalf("expected %v, got %v", want, topics)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, topics)
		}
	}
	if repo.Pending() != 0 {
		t.Fatalf("expected queue drained, %d left", repo.Pending())
	}
}

func TestMemoryRepository_ProcessRetriesThenDrops(t *testing.T) {
	ctx := context.Background()
	svc, repo := newMemoryService(t, 100)
	if _, err := svc.CreateEscrow(ctx, seller, buyer, 10, 10); err != nil {
		t.Fatalf("create: %v", err)
	}

	calls := 0
	fail := func(context.Context, outbox.Message) error {
		calls++
		return errors.New("broker down")
	}
	for i := 0; i < 3; i++ {
		if _, err := repo.Process(ctx, 10, 2, fail); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts before the message is dead, got %d", calls)
	}
	if repo.Pending() != 0 {
		t.Fatalf("expected dead message removed, %d left", repo.Pending())
	}
}

func TestEventPayload(t *testing.T) {
	ctx := context.Background()
	svc, repo := newMemoryService(t, 100)
	id, _ := svc.CreateEscrow(ctx, seller, buyer, 42, 42)
	_ = svc.CancelEscrow(ctx, seller, id)

	var last outbox.Message
	_, _ = repo.Process(ctx, 10, 1, func(_ context.Context, msg outbox.Message) error {
		last = msg
		return nil
	})

	var payload map[string]string
	if err := json.Unmarshal(last.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["op"] != "cancel" || payload["escrow_id"] != "1" || payload["amount"] != "42" ||
		payload["status"] != "cancelled" || payload["beneficiary"] != seller.String() || payload["actor"] != seller.String() {
		t.Fatalf("unexpected payload %v", payload)
	}
}
