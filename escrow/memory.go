package escrow

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"escrowledger/outbox"
)

// MemoryRepository is an in-process Repository. Each record carries its own
// mutex so transitions on one identifier serialize; the books mutex guards
// balances, custody, the id counter, the role slot and the event log. Lock
// order is record, then books.
type MemoryRepository struct {
	mu       sync.Mutex
	records  map[uint64]*memRecord
	lastID   uint64
	roles    RoleAssignment
	balances map[Identity]int64
	custody  int64
	funded   int64
	timeline map[uint64][]Event
	pending  []outbox.Message
}

type memRecord struct {
	mu  sync.Mutex
	rec Record
}

// NewMemoryRepository returns an empty ledger owned by owner.
func NewMemoryRepository(owner Identity) *MemoryRepository {
	return &MemoryRepository{
		records:  make(map[uint64]*memRecord),
		roles:    RoleAssignment{Owner: owner},
		balances: make(map[Identity]int64),
		timeline: make(map[uint64][]Event),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, params CreateParams) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.balances[params.Seller] < params.Amount {
		return Record{}, fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds, params.Seller, r.balances[params.Seller], params.Amount)
	}
	rec := Record{
		ID:        r.lastID + 1,
		Buyer:     params.Buyer,
		Seller:    params.Seller,
		Amount:    params.Amount,
		Status:    StatusCreated,
		CreatedAt: params.At.UTC(),
	}
	evt := NewEvent(OpCreate, rec, params.Seller, params.At)
	msg, err := r.message(evt)
	if err != nil {
		return Record{}, err
	}

	r.balances[params.Seller] -= params.Amount
	r.custody += params.Amount
	r.lastID = rec.ID
	r.records[rec.ID] = &memRecord{rec: rec}
	r.commit(evt, msg)
	return rec, nil
}

func (r *MemoryRepository) Settle(ctx context.Context, params SettleParams) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	entry := r.lookup(params.ID)
	if entry == nil {
		return Record{}, ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	settlement, err := params.Decide(entry.rec, r.roles.clone())
	if err != nil {
		return Record{}, err
	}
	if settlement.Amount != entry.rec.Amount || r.custody < settlement.Amount {
		return Record{}, fmt.Errorf("escrow: settlement of %d does not match custody for escrow %d", settlement.Amount, entry.rec.ID)
	}
	if exceeds(r.balances[settlement.Payee], settlement.Amount) {
		return Record{}, fmt.Errorf("%w: crediting %d to %s overflows", ErrInvalidAmount, settlement.Amount, settlement.Payee)
	}

	next := entry.rec.settle(settlement, params.Caller, params.At)
	evt := NewEvent(settlement.Op, next, params.Caller, params.At)
	msg, err := r.message(evt)
	if err != nil {
		return Record{}, err
	}
	r.custody -= settlement.Amount
	r.balances[settlement.Payee] += settlement.Amount
	entry.rec = next
	r.commit(evt, msg)
	return next, nil
}

func (r *MemoryRepository) Get(ctx context.Context, id uint64) (Record, error) {
	entry := r.lookup(id)
	if entry == nil {
		return Record{}, ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.rec, nil
}

func (r *MemoryRepository) List(ctx context.Context, filter ListFilter) ([]Record, int, error) {
	filter = filter.normalized()

	r.mu.Lock()
	entries := make([]*memRecord, 0, len(r.records))
	for _, e := range r.records {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	matched := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()
		if !filter.Party.IsZero() && rec.Buyer != filter.Party && rec.Seller != filter.Party {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	total := len(matched)
	start := (filter.Page - 1) * filter.PageSize
	if start >= total {
		return []Record{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *MemoryRepository) Events(ctx context.Context, id uint64) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return nil, ErrNotFound
	}
	return append([]Event(nil), r.timeline[id]...), nil
}

func (r *MemoryRepository) Roles(ctx context.Context) (RoleAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roles.clone(), nil
}

func (r *MemoryRepository) AssignArbitrator(ctx context.Context, caller, arbitrator Identity, at time.Time) (RoleAssignment, error) {
	if err := ctx.Err(); err != nil {
		return RoleAssignment{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := Authorize(OpSetArbitrator, nil, caller, r.roles); err != nil {
		return RoleAssignment{}, err
	}
	if err := ValidateArbitrator(arbitrator); err != nil {
		return RoleAssignment{}, err
	}
	next := r.roles.clone()
	next.Arbitrator = arbitrator
	next.History = append(next.History, Assignment{Arbitrator: arbitrator, AssignedBy: caller, AssignedAt: at.UTC()})
	msg, err := r.message(newRoleEvent(next, caller, at))
	if err != nil {
		return RoleAssignment{}, err
	}
	r.roles = next
	r.pending = append(r.pending, msg)
	return next.clone(), nil
}

func (r *MemoryRepository) Deposit(ctx context.Context, owner Identity, amount int64, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if exceeds(r.balances[owner], amount) || exceeds(r.funded, amount) {
		return r.balances[owner], fmt.Errorf("%w: deposit of %d overflows the books", ErrInvalidAmount, amount)
	}
	r.balances[owner] += amount
	r.funded += amount
	return r.balances[owner], nil
}

func (r *MemoryRepository) Withdraw(ctx context.Context, owner Identity, amount int64, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.balances[owner] < amount {
		return r.balances[owner], fmt.Errorf("%w: %s holds %d, wants %d", ErrInsufficientFunds, owner, r.balances[owner], amount)
	}
	r.balances[owner] -= amount
	r.funded -= amount
	return r.balances[owner], nil
}

func (r *MemoryRepository) Balance(ctx context.Context, owner Identity) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[owner], nil
}

// Audit reads the books under the books mutex. Status writes also hold it, so
// the snapshot is consistent without taking record locks.
func (r *MemoryRepository) Audit(ctx context.Context) (Audit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := Audit{Custody: r.custody, Funded: r.funded, Escrows: len(r.records)}
	for _, e := range r.records {
		if e.rec.Status == StatusCreated {
			a.OpenTotal += e.rec.Amount
			a.Open++
		}
	}
	for _, v := range r.balances {
		a.Balances += v
	}
	return a, nil
}

// Process implements outbox.Source over the in-memory queue.
func (r *MemoryRepository) Process(ctx context.Context, limit, maxAttempts int, fn func(context.Context, outbox.Message) error) (int, error) {
	r.mu.Lock()
	if limit > len(r.pending) {
		limit = len(r.pending)
	}
	batch := append([]outbox.Message(nil), r.pending[:limit]...)
	r.pending = r.pending[limit:]
	r.mu.Unlock()

	retry := make([]outbox.Message, 0)
	for _, msg := range batch {
		if err := fn(ctx, msg); err != nil {
			msg.Attempts++
			if msg.Attempts < maxAttempts {
				retry = append(retry, msg)
			}
		}
	}
	if len(retry) > 0 {
		r.mu.Lock()
		r.pending = append(retry, r.pending...)
		r.mu.Unlock()
	}
	return len(batch), nil
}

// Pending returns the number of unpublished messages.
func (r *MemoryRepository) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *MemoryRepository) lookup(id uint64) *memRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[id]
}

// commit adds evt to the timeline and msg to the outbox queue. Callers hold
// r.mu.
func (r *MemoryRepository) commit(evt Event, msg outbox.Message) {
	r.timeline[evt.EscrowID] = append(r.timeline[evt.EscrowID], evt)
	r.pending = append(r.pending, msg)
}

func (r *MemoryRepository) message(evt Event) (outbox.Message, error) {
	body, err := evt.marshal()
	if err != nil {
		return outbox.Message{}, err
	}
	return outbox.Message{ID: evt.ID, Topic: evt.Topic(), Payload: body, CreatedAt: evt.OccurredAt}, nil
}

func formatPair(lname string, l int64, rname string, r int64) string {
	return lname + "=" + strconv.FormatInt(l, 10) + " " + rname + "=" + strconv.FormatInt(r, 10)
}

// exceeds reports whether total+amount would overflow int64.
func exceeds(total, amount int64) bool {
	return amount > 0 && total > math.MaxInt64-amount
}
