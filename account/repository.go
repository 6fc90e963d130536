package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowledger/escrow"
)

var (
	// ErrAccountNotFound signals that the identity has never registered.
	ErrAccountNotFound = errors.New("account: not found")
	// ErrDuplicateIdentity signals that the identity is already registered.
	ErrDuplicateIdentity = errors.New("account: identity already registered")
)

// Repository handles data access for accounts.
type Repository interface {
	Create(ctx context.Context, identity escrow.Identity, passwordHash string) (Account, error)
	Get(ctx context.Context, identity escrow.Identity) (Account, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, identity escrow.Identity, passwordHash string) (Account, error) {
	const insertSQL = `
		INSERT INTO accounts (identity, password_hash)
		VALUES ($1, $2)
		RETURNING identity, password_hash, created_at
	`
	acct, err := scanAccount(r.pool.QueryRow(ctx, insertSQL, identity.String(), passwordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateIdentity
		}
		return Account{}, fmt.Errorf("account: create: %w", err)
	}
	return acct, nil
}

func (r *PGRepository) Get(ctx context.Context, identity escrow.Identity) (Account, error) {
	const selectSQL = `
		SELECT identity, password_hash, created_at
		FROM accounts
		WHERE identity = $1
	`
	acct, err := scanAccount(r.pool.QueryRow(ctx, selectSQL, identity.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("account: get: %w", err)
	}
	return acct, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		acct     Account
		identity string
	)
	if err := row.Scan(&identity, &acct.PasswordHash, &acct.CreatedAt); err != nil {
		return Account{}, err
	}
	acct.Identity = escrow.Identity(identity)
	return acct, nil
}

// MemoryRepository keeps accounts in process for the memory store mode.
type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[escrow.Identity]Account
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{accounts: make(map[escrow.Identity]Account)}
}

func (r *MemoryRepository) Create(_ context.Context, identity escrow.Identity, passwordHash string) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[identity]; ok {
		return Account{}, ErrDuplicateIdentity
	}
	acct := Account{Identity: identity, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	r.accounts[identity] = acct
	return acct, nil
}

func (r *MemoryRepository) Get(_ context.Context, identity escrow.Identity) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.accounts[identity]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}
