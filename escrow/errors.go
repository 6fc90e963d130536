package escrow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount signals a non-positive amount or attached value that
	// does not match the declared amount.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrInvalidParty signals self-dealing, a malformed identity, or a
	// beneficiary that is not one of the two counterparties.
	ErrInvalidParty = errors.New("escrow: invalid party")
	// ErrUnauthorized signals the caller lacks the role the operation needs.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrNotFound is returned for unknown escrow identifiers.
	ErrNotFound = errors.New("escrow: not found")
	// ErrInvalidState signals the record's status does not allow the operation.
	ErrInvalidState = errors.New("escrow: invalid state")
	// ErrInsufficientFunds signals the caller cannot cover the value it attached
	// or tried to withdraw.
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
	// ErrOwnerConflict is returned when bootstrapping a ledger that already
	// belongs to another owner.
	ErrOwnerConflict = errors.New("escrow: ledger owned by another identity")
)

// Code maps err onto a stable label used by metrics and API responses.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidParty):
		return "invalid_party"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "error"
	}
}

// Rejected reports whether err is a validation outcome rather than an
// infrastructure failure.
func Rejected(err error) bool {
	return Code(err) != "error" && err != nil
}

func invalidState(rec Record, op Op) error {
	return fmt.Errorf("%w: cannot %s escrow %d in status %s", ErrInvalidState, op, rec.ID, rec.Status)
}
