package escrow

import (
	"context"
	"time"
)

// Repository persists records, balances, the arbitrator role and the event
// timeline. Every mutating method is atomic: the status change, the value
// movement and the event either all commit or none do.
type Repository interface {
	// Create debits the seller, allocates the next identifier and stores a
	// record in StatusCreated.
	Create(ctx context.Context, params CreateParams) (Record, error)
	// Settle locks the record, asks params.Decide for a settlement and applies
	// it. Concurrent calls for one identifier are serialized.
	Settle(ctx context.Context, params SettleParams) (Record, error)
	Get(ctx context.Context, id uint64) (Record, error)
	List(ctx context.Context, filter ListFilter) ([]Record, int, error)
	Events(ctx context.Context, id uint64) ([]Event, error)

	Roles(ctx context.Context) (RoleAssignment, error)
	// AssignArbitrator replaces the arbitrator when caller is the owner.
	AssignArbitrator(ctx context.Context, caller, arbitrator Identity, at time.Time) (RoleAssignment, error)

	Deposit(ctx context.Context, owner Identity, amount int64, at time.Time) (int64, error)
	Withdraw(ctx context.Context, owner Identity, amount int64, at time.Time) (int64, error)
	Balance(ctx context.Context, owner Identity) (int64, error)
	Audit(ctx context.Context) (Audit, error)
}

// Check reports the first broken books invariant, or nil.
func (a Audit) Check() error {
	if a.Custody != a.OpenTotal {
		return &AuditError{Invariant: "custody", Detail: formatPair("custody", a.Custody, "open total", a.OpenTotal)}
	}
	if a.Balances+a.Custody != a.Funded {
		return &AuditError{Invariant: "conservation", Detail: formatPair("balances+custody", a.Balances+a.Custody, "funded", a.Funded)}
	}
	return nil
}

// AuditError describes a violated books invariant.
type AuditError struct {
	Invariant string
	Detail    string
}

func (e *AuditError) Error() string {
	return "escrow: audit " + e.Invariant + ": " + e.Detail
}
