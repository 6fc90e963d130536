package escrow

import "time"

// Status is the lifecycle position of an escrow record. The string values are
// the ones persisted and exposed to clients.
type Status string

const (
	StatusCreated   Status = "created"
	StatusReleased  Status = "released"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusReleased, StatusCancelled:
		return true
	default:
		return false
	}
}

// Op names a ledger operation. It doubles as the event name and metrics label.
type Op string

const (
	OpCreate        Op = "create"
	OpRelease       Op = "release"
	OpCancel        Op = "cancel"
	OpResolve       Op = "resolve"
	OpSetArbitrator Op = "set_arbitrator"
	OpDeposit       Op = "deposit"
	OpWithdraw      Op = "withdraw"
)

// Record mirrors the escrows table.
type Record struct {
	ID          uint64
	Buyer       Identity
	Seller      Identity
	Amount      int64
	Status      Status
	Beneficiary Identity
	SettledBy   Identity
	CreatedAt   time.Time
	SettledAt   *time.Time
}

// Assignment is one entry of the arbitrator audit trail.
type Assignment struct {
	Arbitrator Identity
	AssignedBy Identity
	AssignedAt time.Time
}

// RoleAssignment holds the ledger owner, the current arbitrator (zero when
// unset) and every assignment made so far, oldest first.
type RoleAssignment struct {
	Owner      Identity
	Arbitrator Identity
	History    []Assignment
}

// IsArbitrator reports whether id currently holds the arbitrator slot.
func (r RoleAssignment) IsArbitrator(id Identity) bool {
	return !r.Arbitrator.IsZero() && r.Arbitrator == id
}

func (r RoleAssignment) clone() RoleAssignment {
	out := r
	out.History = append([]Assignment(nil), r.History...)
	return out
}

// Settlement is the planned effect of a terminal transition: Amount moves from
// custody to Payee and the record becomes Next.
type Settlement struct {
	Op     Op
	Payee  Identity
	Amount int64
	Next   Status
}

// CreateParams enumerates the writes of a successful CreateEscrow.
type CreateParams struct {
	Seller Identity
	Buyer  Identity
	Amount int64
	At     time.Time
}

// SettleParams drives a terminal transition. Decide runs while the record is
// locked and must not block.
type SettleParams struct {
	ID     uint64
	Caller Identity
	At     time.Time
	Decide func(rec Record, roles RoleAssignment) (Settlement, error)
}

// ListFilter narrows List results. A zero Party matches every record.
type ListFilter struct {
	Party    Identity
	Status   Status
	Page     int
	PageSize int
}

func (f ListFilter) normalized() ListFilter {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	return f
}

// Audit is a consistent snapshot of the books.
type Audit struct {
	// Custody is the value the ledger holds on behalf of open escrows.
	Custody int64
	// OpenTotal is the sum of Amount over records still in StatusCreated.
	OpenTotal int64
	// Balances is the sum of every spendable account balance.
	Balances int64
	// Funded is deposits minus withdrawals since genesis.
	Funded  int64
	Escrows int
	Open    int
}
