package escrow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// TopicPrefix prefixes every outbox topic written by the ledger.
const TopicPrefix = "escrow."

// Event is the observable record of one committed operation.
type Event struct {
	ID          string
	Op          Op
	EscrowID    uint64
	Buyer       Identity
	Seller      Identity
	Amount      int64
	Status      Status
	Beneficiary Identity
	Actor       Identity
	OccurredAt  time.Time
}

// NewEvent builds the event for op having produced rec.
func NewEvent(op Op, rec Record, actor Identity, at time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Op:          op,
		EscrowID:    rec.ID,
		Buyer:       rec.Buyer,
		Seller:      rec.Seller,
		Amount:      rec.Amount,
		Status:      rec.Status,
		Beneficiary: rec.Beneficiary,
		Actor:       actor,
		OccurredAt:  at.UTC(),
	}
}

// newRoleEvent builds the event for an arbitrator assignment.
func newRoleEvent(roles RoleAssignment, actor Identity, at time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Op:          OpSetArbitrator,
		Beneficiary: roles.Arbitrator,
		Actor:       actor,
		OccurredAt:  at.UTC(),
	}
}

func (e Event) Topic() string { return TopicPrefix + string(e.Op) }

// Payload is the JSON document published for e. Amounts are rendered as
// strings so indexers never lose precision.
func (e Event) Payload() map[string]any {
	payload := map[string]any{
		"event_id":    e.ID,
		"op":          string(e.Op),
		"actor":       e.Actor.String(),
		"occurred_at": e.OccurredAt.Format(time.RFC3339Nano),
	}
	if e.Op == OpSetArbitrator {
		payload["arbitrator"] = e.Beneficiary.String()
		return payload
	}
	payload["escrow_id"] = strconv.FormatUint(e.EscrowID, 10)
	payload["buyer"] = e.Buyer.String()
	payload["seller"] = e.Seller.String()
	payload["amount"] = strconv.FormatInt(e.Amount, 10)
	payload["status"] = string(e.Status)
	if !e.Beneficiary.IsZero() {
		payload["beneficiary"] = e.Beneficiary.String()
	}
	return payload
}

func (e Event) marshal() ([]byte, error) {
	body, err := json.Marshal(e.Payload())
	if err != nil {
		return nil, fmt.Errorf("escrow: marshal event: %w", err)
	}
	return body, nil
}
