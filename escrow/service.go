package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Recorder receives per-operation outcomes and custody movements.
type Recorder interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	AddCustody(delta int64)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, string, time.Duration) {}
func (nopRecorder) AddCustody(int64)                               {}

// Service is the escrow ledger. It validates and authorizes every call, then
// hands the state change to the repository as one atomic unit.
type Service struct {
	repo    Repository
	logger  *slog.Logger
	metrics Recorder
	now     func() time.Time
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		logger:  logger,
		metrics: nopRecorder{},
		now:     time.Now,
	}
}

// WithClock overrides the time source for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.now = clock
	}
	return s
}

func (s *Service) WithMetrics(r Recorder) *Service {
	if r != nil {
		s.metrics = r
	}
	return s
}

// CreateEscrow locks attached value from the caller's balance for buyer and
// returns the new identifier. The caller becomes the seller.
func (s *Service) CreateEscrow(ctx context.Context, caller, buyer Identity, amount, attached int64) (uint64, error) {
	start := s.now()
	rec, err := s.create(ctx, caller, buyer, amount, attached, start)
	s.finish(ctx, OpCreate, rec.ID, caller, start, err)
	if err != nil {
		return 0, err
	}
	s.metrics.AddCustody(rec.Amount)
	return rec.ID, nil
}

func (s *Service) create(ctx context.Context, caller, buyer Identity, amount, attached int64, at time.Time) (Record, error) {
	if err := Authorize(OpCreate, nil, caller, RoleAssignment{}); err != nil {
		return Record{}, err
	}
	if err := ValidateCreate(caller, buyer, amount, attached); err != nil {
		return Record{}, err
	}
	rec, err := s.repo.Create(ctx, CreateParams{Seller: caller, Buyer: buyer, Amount: amount, At: at})
	if err != nil {
		return Record{}, wrap("create", err)
	}
	return rec, nil
}

// ReleaseEscrow pays the buyer. Only the seller may release.
func (s *Service) ReleaseEscrow(ctx context.Context, caller Identity, id uint64) error {
	_, err := s.settle(ctx, OpRelease, caller, id, "")
	return err
}

// CancelEscrow refunds the seller. Only the seller may cancel.
func (s *Service) CancelEscrow(ctx context.Context, caller Identity, id uint64) error {
	_, err := s.settle(ctx, OpCancel, caller, id, "")
	return err
}

// ResolveDispute pays beneficiary, which must be the buyer or the seller. Only
// the current arbitrator may resolve. The record ends cancelled with
// Beneficiary set to the party that was paid.
func (s *Service) ResolveDispute(ctx context.Context, caller Identity, id uint64, beneficiary Identity) error {
	_, err := s.settle(ctx, OpResolve, caller, id, beneficiary)
	return err
}

func (s *Service) settle(ctx context.Context, op Op, caller Identity, id uint64, beneficiary Identity) (Record, error) {
	start := s.now()
	rec, err := s.repo.Settle(ctx, SettleParams{
		ID:     id,
		Caller: caller,
		At:     start,
		Decide: func(rec Record, roles RoleAssignment) (Settlement, error) {
			return Plan(op, rec, caller, roles, beneficiary)
		},
	})
	if err != nil {
		err = wrap(string(op), err)
	}
	s.finish(ctx, op, id, caller, start, err)
	if err != nil {
		return Record{}, err
	}
	s.metrics.AddCustody(-rec.Amount)
	return rec, nil
}

// SetArbitrator replaces the arbitrator. Only the owner may assign, and the
// arbitrator must be a canonical identity.
func (s *Service) SetArbitrator(ctx context.Context, caller, arbitrator Identity) error {
	start := s.now()
	_, err := s.repo.AssignArbitrator(ctx, caller, arbitrator, start)
	if err != nil {
		err = wrap("set arbitrator", err)
	}
	s.finish(ctx, OpSetArbitrator, 0, caller, start, err)
	return err
}

// Escrow returns the record for id, or ErrNotFound.
func (s *Service) Escrow(ctx context.Context, id uint64) (Record, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return Record{}, wrap("get", err)
	}
	return rec, nil
}

// Deposit credits amount to the caller's spendable balance.
func (s *Service) Deposit(ctx context.Context, caller Identity, amount int64) (int64, error) {
	return s.fund(ctx, OpDeposit, caller, amount, s.repo.Deposit)
}

// Withdraw debits amount from the caller's spendable balance.
func (s *Service) Withdraw(ctx context.Context, caller Identity, amount int64) (int64, error) {
	return s.fund(ctx, OpWithdraw, caller, amount, s.repo.Withdraw)
}

func (s *Service) fund(ctx context.Context, op Op, caller Identity, amount int64,
	apply func(context.Context, Identity, int64, time.Time) (int64, error)) (int64, error) {
	start := s.now()
	var balance int64
	err := Authorize(op, nil, caller, RoleAssignment{})
	if err == nil && amount <= 0 {
		err = fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	if err == nil {
		if balance, err = apply(ctx, caller, amount, start); err != nil {
			err = wrap(string(op), err)
		}
	}
	s.finish(ctx, op, 0, caller, start, err)
	return balance, err
}

func (s *Service) Balance(ctx context.Context, owner Identity) (int64, error) {
	balance, err := s.repo.Balance(ctx, owner)
	if err != nil {
		return 0, wrap("balance", err)
	}
	return balance, nil
}

// Custody returns the total value currently locked in open escrows.
func (s *Service) Custody(ctx context.Context) (int64, error) {
	a, err := s.Audit(ctx)
	if err != nil {
		return 0, err
	}
	return a.Custody, nil
}

func (s *Service) Audit(ctx context.Context) (Audit, error) {
	a, err := s.repo.Audit(ctx)
	if err != nil {
		return Audit{}, wrap("audit", err)
	}
	return a, nil
}

func (s *Service) Roles(ctx context.Context) (RoleAssignment, error) {
	roles, err := s.repo.Roles(ctx)
	if err != nil {
		return RoleAssignment{}, wrap("roles", err)
	}
	return roles, nil
}

// Events returns the timeline of id, oldest first.
func (s *Service) Events(ctx context.Context, id uint64) ([]Event, error) {
	events, err := s.repo.Events(ctx, id)
	if err != nil {
		return nil, wrap("events", err)
	}
	return events, nil
}

// List returns one page of records, newest first, and the total match count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Record, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("escrow: list: unknown status %q", filter.Status)
	}
	records, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, wrap("list", err)
	}
	return records, total, nil
}

func (s *Service) finish(ctx context.Context, op Op, id uint64, caller Identity, start time.Time, err error) {
	outcome := Code(err)
	s.metrics.ObserveOperation(string(op), outcome, s.now().Sub(start))

	attrs := []slog.Attr{
		slog.String("op", string(op)),
		slog.String("caller", caller.String()),
	}
	if id != 0 {
		attrs = append(attrs, slog.Uint64("escrow_id", id))
	}
	switch {
	case err == nil:
		s.logger.LogAttrs(ctx, slog.LevelInfo, "escrow operation committed", attrs...)
	case Rejected(err):
		attrs = append(attrs, slog.String("outcome", outcome), slog.Any("error", err))
		s.logger.LogAttrs(ctx, slog.LevelDebug, "escrow operation rejected", attrs...)
	default:
		attrs = append(attrs, slog.Any("error", err))
		s.logger.LogAttrs(ctx, slog.LevelError, "escrow operation failed", attrs...)
	}
}

// wrap prefixes infrastructure failures with the action. Validation
// outcomes pass through unchanged.
func wrap(action string, err error) error {
	if Rejected(err) {
		return err
	}
	return fmt.Errorf("escrow: %s: %w", action, err)
}
