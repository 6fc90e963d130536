package account

import (
	"time"

	"escrowledger/escrow"
)

// Account is a registered ledger identity. It mirrors the accounts table.
type Account struct {
	Identity     escrow.Identity
	PasswordHash string
	CreatedAt    time.Time
}

// RegisterRequest contains registration data supplied by callers.
type RegisterRequest struct {
	Identity   string `json:"identity"`
	Passphrase string `json:"passphrase"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Identity   string `json:"identity"`
	Passphrase string `json:"passphrase"`
}
