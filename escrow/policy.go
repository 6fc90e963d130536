package escrow

import "fmt"

// Authorize decides whether caller may perform op. rec is the target record,
// or nil when the operation has none or the record does not exist.
//
//   - create: any identity
//   - release, cancel: the record's seller
//   - resolve: the current arbitrator
//   - set_arbitrator: the ledger owner
//   - deposit, withdraw: any identity, on its own balance
func Authorize(op Op, rec *Record, caller Identity, roles RoleAssignment) error {
	if caller.IsZero() {
		return fmt.Errorf("%w: anonymous caller", ErrUnauthorized)
	}
	switch op {
	case OpCreate, OpDeposit, OpWithdraw:
		return nil
	case OpRelease, OpCancel:
		if rec == nil {
			return ErrNotFound
		}
		if rec.Seller != caller {
			return fmt.Errorf("%w: only the seller may %s escrow %d", ErrUnauthorized, op, rec.ID)
		}
		return nil
	case OpResolve:
		if rec == nil {
			return ErrNotFound
		}
		if !roles.IsArbitrator(caller) {
			return fmt.Errorf("%w: %s is not the arbitrator", ErrUnauthorized, caller)
		}
		return nil
	case OpSetArbitrator:
		if roles.Owner.IsZero() || roles.Owner != caller {
			return fmt.Errorf("%w: only the owner may assign the arbitrator", ErrUnauthorized)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrUnauthorized, op)
	}
}
