package escrow

import (
	"fmt"
	"time"
)

// ValidateCreate checks a createEscrow call before any value moves.
func ValidateCreate(seller, buyer Identity, amount, attached int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	if attached != amount {
		return fmt.Errorf("%w: attached value %d does not match amount %d", ErrInvalidAmount, attached, amount)
	}
	if err := checkIdentity("buyer", buyer); err != nil {
		return err
	}
	if buyer == seller {
		return fmt.Errorf("%w: buyer and seller must differ", ErrInvalidParty)
	}
	return nil
}

// ValidateArbitrator checks a proposed arbitrator. Repositories call it after
// authorization so a non-owner always sees ErrUnauthorized.
func ValidateArbitrator(arbitrator Identity) error {
	return checkIdentity("arbitrator", arbitrator)
}

// Plan computes the settlement for a release, cancel or resolve call against
// rec. Checks run in the order not found, unauthorized, invalid state, invalid
// party, and nothing is mutated.
func Plan(op Op, rec Record, caller Identity, roles RoleAssignment, beneficiary Identity) (Settlement, error) {
	if err := Authorize(op, &rec, caller, roles); err != nil {
		return Settlement{}, err
	}
	if rec.Status != StatusCreated {
		return Settlement{}, invalidState(rec, op)
	}

	switch op {
	case OpRelease:
		return Settlement{Op: op, Payee: rec.Buyer, Amount: rec.Amount, Next: StatusReleased}, nil
	case OpCancel:
		return Settlement{Op: op, Payee: rec.Seller, Amount: rec.Amount, Next: StatusCancelled}, nil
	case OpResolve:
		if beneficiary != rec.Buyer && beneficiary != rec.Seller {
			return Settlement{}, fmt.Errorf("%w: beneficiary %s is not a party to escrow %d", ErrInvalidParty, beneficiary, rec.ID)
		}
		// An arbitrated payout is labelled cancelled whichever party wins;
		// Beneficiary on the record tells the outcomes apart.
		return Settlement{Op: op, Payee: beneficiary, Amount: rec.Amount, Next: StatusCancelled}, nil
	default:
		return Settlement{}, fmt.Errorf("escrow: %s is not a settlement", op)
	}
}

// settle returns rec after applying s.
func (rec Record) settle(s Settlement, caller Identity, at time.Time) Record {
	settledAt := at.UTC()
	rec.Status = s.Next
	rec.Beneficiary = s.Payee
	rec.SettledBy = caller
	rec.SettledAt = &settledAt
	return rec
}
