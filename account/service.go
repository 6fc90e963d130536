package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"escrowledger/escrow"
)

var (
	// ErrInvalidCredentials signals an unknown identity or wrong passphrase.
	ErrInvalidCredentials = errors.New("account: invalid credentials")
	// ErrWeakPassphrase signals a passphrase below the minimum length.
	ErrWeakPassphrase = errors.New("account: passphrase must be at least 12 characters")
	// ErrInvalidToken signals a token that failed verification.
	ErrInvalidToken = errors.New("account: invalid token")
)

const issuer = "escrowledger"

// Service registers identities and issues session tokens whose subject is
// the caller identity.
type Service struct {
	repo      Repository
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// LoginResult bundles the token and the account it was issued for.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Account   Account
}

func NewService(repo Repository, jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

// WithClock overrides the time source used for token timestamps.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.now = clock
	}
	return s
}

// Register creates an account for a canonical identity.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Account, error) {
	identity, err := escrow.ParseIdentity(req.Identity)
	if err != nil {
		return Account{}, err
	}
	if len(req.Passphrase) < 12 {
		return Account{}, ErrWeakPassphrase
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Passphrase), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, fmt.Errorf("account: hash passphrase: %w", err)
	}
	return s.repo.Create(ctx, identity, string(hash))
}

// Login checks the passphrase and returns a signed token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	identity, err := escrow.ParseIdentity(req.Identity)
	if err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}
	acct, err := s.repo.Get(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.Passphrase)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	issuedAt := s.now()
	expiresAt := issuedAt.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   acct.Identity.String(),
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return LoginResult{}, fmt.Errorf("account: sign token: %w", err)
	}
	return LoginResult{Token: token, ExpiresAt: expiresAt.UTC(), Account: acct}, nil
}

// VerifyToken validates a token and returns the identity it was issued to.
func (s *Service) VerifyToken(tokenString string) (escrow.Identity, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	identity, err := escrow.ParseIdentity(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	return identity, nil
}
