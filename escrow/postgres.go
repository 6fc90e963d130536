package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowledger/outbox"
)

// PGRepository stores the ledger in PostgreSQL. Every mutating call runs in a
// single transaction that also writes the timeline row and the outbox message.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Bootstrap records owner as the ledger owner. It is idempotent for the same
// owner and returns ErrOwnerConflict when the ledger already belongs to
// someone else.
func (r *PGRepository) Bootstrap(ctx context.Context, owner Identity) error {
	if owner.IsZero() {
		return fmt.Errorf("%w: owner required", ErrInvalidParty)
	}
	const upsertSQL = `
INSERT INTO ledger_roles (singleton, owner)
VALUES (true, $1)
ON CONFLICT (singleton) DO UPDATE SET singleton = ledger_roles.singleton
RETURNING owner
`
	var current string
	if err := r.pool.QueryRow(ctx, upsertSQL, owner.String()).Scan(&current); err != nil {
		return fmt.Errorf("escrow: bootstrap owner: %w", err)
	}
	if Identity(current) != owner {
		return fmt.Errorf("%w: %s", ErrOwnerConflict, current)
	}
	return nil
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := debit(ctx, tx, params.Seller, params.Amount, params.At); err != nil {
		return Record{}, err
	}

	var id int64
	if err := tx.QueryRow(ctx, `UPDATE ledger_sequence SET last_id = last_id + 1 WHERE singleton RETURNING last_id`).Scan(&id); err != nil {
		return Record{}, fmt.Errorf("escrow: allocate id: %w", err)
	}

	rec := Record{
		ID:        uint64(id),
		Buyer:     params.Buyer,
		Seller:    params.Seller,
		Amount:    params.Amount,
		Status:    StatusCreated,
		CreatedAt: params.At.UTC(),
	}
	const insertSQL = `
INSERT INTO escrows (id, buyer, seller, amount, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
	if _, err := tx.Exec(ctx, insertSQL, id, rec.Buyer.String(), rec.Seller.String(), rec.Amount, string(rec.Status), rec.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, fmt.Errorf("escrow: id %d already allocated: %w", id, err)
		}
		return Record{}, fmt.Errorf("escrow: insert escrow: %w", err)
	}

	if err := appendEvent(ctx, tx, NewEvent(OpCreate, rec, params.Seller, params.At)); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) Settle(ctx context.Context, params SettleParams) (Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanRecord(tx.QueryRow(ctx, selectRecordSQL+` WHERE id = $1 FOR UPDATE`, int64(params.ID)))
	if err != nil {
		return Record{}, err
	}
	roles, err := loadRoles(ctx, tx, "FOR SHARE")
	if err != nil {
		return Record{}, err
	}

	settlement, err := params.Decide(rec, roles)
	if err != nil {
		return Record{}, err
	}
	if settlement.Amount != rec.Amount {
		return Record{}, fmt.Errorf("escrow: settlement of %d does not match escrow %d amount %d", settlement.Amount, rec.ID, rec.Amount)
	}

	next := rec.settle(settlement, params.Caller, params.At)
	const updateSQL = `
UPDATE escrows
SET status = $2, beneficiary = $3, settled_by = $4, settled_at = $5
WHERE id = $1 AND status = 'created'
`
	tag, err := tx.Exec(ctx, updateSQL, int64(next.ID), string(next.Status), next.Beneficiary.String(), next.SettledBy.String(), *next.SettledAt)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Record{}, invalidState(rec, settlement.Op)
	}

	if err := credit(ctx, tx, settlement.Payee, settlement.Amount, params.At); err != nil {
		return Record{}, err
	}
	if err := appendEvent(ctx, tx, NewEvent(settlement.Op, next, params.Caller, params.At)); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return next, nil
}

func (r *PGRepository) Get(ctx context.Context, id uint64) (Record, error) {
	return scanRecord(r.pool.QueryRow(ctx, selectRecordSQL+` WHERE id = $1`, int64(id)))
}

func (r *PGRepository) List(ctx context.Context, filter ListFilter) ([]Record, int, error) {
	filter = filter.normalized()
	const where = ` WHERE ($1 = '' OR buyer = $1 OR seller = $1) AND ($2 = '' OR status = $2)`

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM escrows`+where, filter.Party.String(), string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("escrow: count escrows: %w", err)
	}

	rows, err := r.pool.Query(ctx, selectRecordSQL+where+` ORDER BY id DESC LIMIT $3 OFFSET $4`,
		filter.Party.String(), string(filter.Status), filter.PageSize, (filter.Page-1)*filter.PageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("escrow: list escrows: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, filter.PageSize)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("escrow: list escrows: %w", err)
	}
	return records, total, nil
}

func (r *PGRepository) Events(ctx context.Context, id uint64) ([]Event, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	const listSQL = `
SELECT e.id::text, e.op, e.escrow_id, x.buyer, x.seller, e.amount, e.status,
       COALESCE(e.beneficiary, ''), e.actor, e.occurred_at
FROM escrow_events e
JOIN escrows x ON x.id = e.escrow_id
WHERE e.escrow_id = $1
ORDER BY e.seq
`
	rows, err := r.pool.Query(ctx, listSQL, int64(id))
	if err != nil {
		return nil, fmt.Errorf("escrow: list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			evt                                     Event
			op, status, buyer, seller, bene, actor string
			escrowID                                int64
		)
		if err := rows.Scan(&evt.ID, &op, &escrowID, &buyer, &seller, &evt.Amount, &status, &bene, &actor, &evt.OccurredAt); err != nil {
			return nil, fmt.Errorf("escrow: scan event: %w", err)
		}
		evt.Op = Op(op)
		evt.EscrowID = uint64(escrowID)
		evt.Buyer = Identity(buyer)
		evt.Seller = Identity(seller)
		evt.Status = Status(status)
		evt.Beneficiary = Identity(bene)
		evt.Actor = Identity(actor)
		evt.OccurredAt = evt.OccurredAt.UTC()
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: list events: %w", err)
	}
	return events, nil
}

func (r *PGRepository) Roles(ctx context.Context) (RoleAssignment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return RoleAssignment{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	roles, err := loadRoles(ctx, tx, "")
	if err != nil {
		return RoleAssignment{}, err
	}
	if roles.History, err = loadHistory(ctx, tx); err != nil {
		return RoleAssignment{}, err
	}
	return roles, nil
}

func (r *PGRepository) AssignArbitrator(ctx context.Context, caller, arbitrator Identity, at time.Time) (RoleAssignment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return RoleAssignment{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	roles, err := loadRoles(ctx, tx, "FOR UPDATE")
	if err != nil {
		return RoleAssignment{}, err
	}
	if err := Authorize(OpSetArbitrator, nil, caller, roles); err != nil {
		return RoleAssignment{}, err
	}
	if err := ValidateArbitrator(arbitrator); err != nil {
		return RoleAssignment{}, err
	}

	at = at.UTC()
	if _, err := tx.Exec(ctx, `UPDATE ledger_roles SET arbitrator = $1, updated_at = $2 WHERE singleton`, arbitrator.String(), at); err != nil {
		return RoleAssignment{}, fmt.Errorf("escrow: update arbitrator: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO arbitrator_assignments (arbitrator, assigned_by, assigned_at) VALUES ($1, $2, $3)`,
		arbitrator.String(), caller.String(), at); err != nil {
		return RoleAssignment{}, fmt.Errorf("escrow: insert assignment: %w", err)
	}
	roles.Arbitrator = arbitrator
	if roles.History, err = loadHistory(ctx, tx); err != nil {
		return RoleAssignment{}, err
	}

	body, err := newRoleEvent(roles, caller, at).marshal()
	if err != nil {
		return RoleAssignment{}, err
	}
	if _, err := outbox.Enqueue(ctx, tx, TopicPrefix+string(OpSetArbitrator), body); err != nil {
		return RoleAssignment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return RoleAssignment{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return roles, nil
}

func (r *PGRepository) Deposit(ctx context.Context, owner Identity, amount int64, at time.Time) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := credit(ctx, tx, owner, amount, at); err != nil {
		return 0, err
	}
	if err := recordFunding(ctx, tx, owner, "deposit", amount, at); err != nil {
		return 0, err
	}
	balance, err := balanceOf(ctx, tx, owner)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return balance, nil
}

func (r *PGRepository) Withdraw(ctx context.Context, owner Identity, amount int64, at time.Time) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := debit(ctx, tx, owner, amount, at); err != nil {
		return 0, err
	}
	if err := recordFunding(ctx, tx, owner, "withdraw", amount, at); err != nil {
		return 0, err
	}
	balance, err := balanceOf(ctx, tx, owner)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return balance, nil
}

func (r *PGRepository) Balance(ctx context.Context, owner Identity) (int64, error) {
	return balanceOf(ctx, r.pool, owner)
}

// Audit reads every total from one repeatable-read snapshot. Custody is
// derived from open records; OpenTotal is derived independently from the
// timeline as created value minus settled value.
func (r *PGRepository) Audit(ctx context.Context) (Audit, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Audit{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var a Audit
	const escrowsSQL = `
SELECT COALESCE(SUM(amount) FILTER (WHERE status = 'created'), 0),
       COUNT(*),
       COUNT(*) FILTER (WHERE status = 'created')
FROM escrows
`
	if err := tx.QueryRow(ctx, escrowsSQL).Scan(&a.Custody, &a.Escrows, &a.Open); err != nil {
		return Audit{}, fmt.Errorf("escrow: audit escrows: %w", err)
	}
	const timelineSQL = `
SELECT COALESCE(SUM(CASE WHEN op = 'create' THEN amount ELSE -amount END), 0)
FROM escrow_events
WHERE op IN ('create', 'release', 'cancel', 'resolve')
`
	if err := tx.QueryRow(ctx, timelineSQL).Scan(&a.OpenTotal); err != nil {
		return Audit{}, fmt.Errorf("escrow: audit timeline: %w", err)
	}
	if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM balances`).Scan(&a.Balances); err != nil {
		return Audit{}, fmt.Errorf("escrow: audit balances: %w", err)
	}
	const fundedSQL = `
SELECT COALESCE(SUM(CASE WHEN kind = 'deposit' THEN amount ELSE -amount END), 0)
FROM funding_entries
`
	if err := tx.QueryRow(ctx, fundedSQL).Scan(&a.Funded); err != nil {
		return Audit{}, fmt.Errorf("escrow: audit funding: %w", err)
	}
	return a, nil
}

const selectRecordSQL = `
SELECT id, buyer, seller, amount, status, COALESCE(beneficiary, ''), COALESCE(settled_by, ''), created_at, settled_at
FROM escrows`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                                          Record
		id                                           int64
		buyer, seller, status, beneficiary, settledBy string
		settledAt                                    sql.NullTime
	)
	if err := row.Scan(&id, &buyer, &seller, &rec.Amount, &status, &beneficiary, &settledBy, &rec.CreatedAt, &settledAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: scan escrow: %w", err)
	}
	rec.ID = uint64(id)
	rec.Buyer = Identity(buyer)
	rec.Seller = Identity(seller)
	rec.Status = Status(status)
	rec.Beneficiary = Identity(beneficiary)
	rec.SettledBy = Identity(settledBy)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if settledAt.Valid {
		t := settledAt.Time.UTC()
		rec.SettledAt = &t
	}
	return rec, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// loadRoles reads the role slot, locking it with lock when non-empty. A
// ledger that was never bootstrapped has no owner, so owner-only calls fail
// authorization.
func loadRoles(ctx context.Context, tx pgx.Tx, lock string) (RoleAssignment, error) {
	var owner, arbitrator string
	err := tx.QueryRow(ctx, `SELECT owner, COALESCE(arbitrator, '') FROM ledger_roles WHERE singleton `+lock).Scan(&owner, &arbitrator)
	if errors.Is(err, pgx.ErrNoRows) {
		return RoleAssignment{}, nil
	}
	if err != nil {
		return RoleAssignment{}, fmt.Errorf("escrow: load roles: %w", err)
	}
	return RoleAssignment{Owner: Identity(owner), Arbitrator: Identity(arbitrator)}, nil
}

func loadHistory(ctx context.Context, tx pgx.Tx) ([]Assignment, error) {
	rows, err := tx.Query(ctx, `SELECT arbitrator, assigned_by, assigned_at FROM arbitrator_assignments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("escrow: load assignments: %w", err)
	}
	defer rows.Close()

	var history []Assignment
	for rows.Next() {
		var arbitrator, assignedBy string
		var at time.Time
		if err := rows.Scan(&arbitrator, &assignedBy, &at); err != nil {
			return nil, fmt.Errorf("escrow: scan assignment: %w", err)
		}
		history = append(history, Assignment{Arbitrator: Identity(arbitrator), AssignedBy: Identity(assignedBy), AssignedAt: at.UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: load assignments: %w", err)
	}
	return history, nil
}

func balanceOf(ctx context.Context, q querier, owner Identity) (int64, error) {
	var amount int64
	err := q.QueryRow(ctx, `SELECT amount FROM balances WHERE owner = $1`, owner.String()).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("escrow: read balance: %w", err)
	}
	return amount, nil
}

// debit subtracts amount from owner's balance only when the balance covers it.
func debit(ctx context.Context, tx pgx.Tx, owner Identity, amount int64, at time.Time) error {
	tag, err := tx.Exec(ctx, `UPDATE balances SET amount = amount - $2, updated_at = $3 WHERE owner = $1 AND amount >= $2`,
		owner.String(), amount, at.UTC())
	if err != nil {
		return fmt.Errorf("escrow: debit balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		held, err := balanceOf(ctx, tx, owner)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds, owner, held, amount)
	}
	return nil
}

func credit(ctx context.Context, tx pgx.Tx, owner Identity, amount int64, at time.Time) error {
	const upsertSQL = `
INSERT INTO balances (owner, amount, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (owner) DO UPDATE
SET amount = balances.amount + EXCLUDED.amount, updated_at = EXCLUDED.updated_at
`
	if _, err := tx.Exec(ctx, upsertSQL, owner.String(), amount, at.UTC()); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22003" {
			return fmt.Errorf("%w: crediting %d to %s overflows", ErrInvalidAmount, amount, owner)
		}
		return fmt.Errorf("escrow: credit balance: %w", err)
	}
	return nil
}

func recordFunding(ctx context.Context, tx pgx.Tx, owner Identity, kind string, amount int64, at time.Time) error {
	if _, err := tx.Exec(ctx, `INSERT INTO funding_entries (owner, kind, amount, created_at) VALUES ($1, $2, $3, $4)`,
		owner.String(), kind, amount, at.UTC()); err != nil {
		return fmt.Errorf("escrow: record %s: %w", kind, err)
	}
	return nil
}

// appendEvent writes the timeline row and the outbox message for evt. The
// escrow row is locked or freshly inserted by the caller, so MAX(seq) is
// stable inside the transaction.
func appendEvent(ctx context.Context, tx pgx.Tx, evt Event) error {
	const insertSQL = `
INSERT INTO escrow_events (id, escrow_id, seq, op, status, amount, beneficiary, actor, occurred_at)
SELECT $1::uuid, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, NULLIF($6, ''), $7, $8
FROM escrow_events
WHERE escrow_id = $2
`
	if _, err := tx.Exec(ctx, insertSQL, evt.ID, int64(evt.EscrowID), string(evt.Op), string(evt.Status),
		evt.Amount, evt.Beneficiary.String(), evt.Actor.String(), evt.OccurredAt); err != nil {
		return fmt.Errorf("escrow: insert timeline event: %w", err)
	}

	body, err := evt.marshal()
	if err != nil {
		return err
	}
	if _, err := outbox.Enqueue(ctx, tx, evt.Topic(), body); err != nil {
		return err
	}
	return nil
}
