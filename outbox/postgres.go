package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Enqueue appends a pending message inside the caller's transaction so the
// message commits or rolls back with the state change that produced it.
func Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload []byte) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("outbox: empty topic")
	}
	if !json.Valid(payload) {
		return "", fmt.Errorf("outbox: payload for %s is not valid JSON", topic)
	}
	id := uuid.NewString()
	const q = `INSERT INTO outbox (id, topic, payload) VALUES ($1::uuid, $2, $3::jsonb)`
	if _, err := tx.Exec(ctx, q, id, topic, payload); err != nil {
		return "", fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return id, nil
}

// PGSource claims outbox rows with FOR UPDATE SKIP LOCKED so several relays
// can share one table.
type PGSource struct {
	pool *pgxpool.Pool
}

func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

func (s *PGSource) Process(ctx context.Context, limit, maxAttempts int, fn func(context.Context, Message) error) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id::text, topic, payload, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at, id
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, claimSQL, limit)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim: %w", err)
	}
	batch := make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Attempts, &msg.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan: %w", err)
		}
		batch = append(batch, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate: %w", err)
	}

	for _, msg := range batch {
		if pubErr := fn(ctx, msg); pubErr != nil {
			status := StatusPending
			if msg.Attempts+1 >= maxAttempts {
				status = StatusDead
			}
			if _, err := tx.Exec(ctx, `
UPDATE outbox
SET attempts = attempts + 1, status = $2, last_attempt = now(), last_error = $3
WHERE id = $1::uuid
`, msg.ID, status, pubErr.Error()); err != nil {
				return 0, fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
UPDATE outbox
SET attempts = attempts + 1, status = 'processed', last_attempt = now(), last_error = NULL
WHERE id = $1::uuid
`, msg.ID); err != nil {
			return 0, fmt.Errorf("outbox: mark processed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit: %w", err)
	}
	return len(batch), nil
}
