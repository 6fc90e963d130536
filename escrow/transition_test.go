package escrow

import (
	"errors"
	"testing"
	"time"
)

func TestValidateCreate(t *testing.T) {
	cases := []struct {
		name     string
		buyer    Identity
		amount   int64
		attached int64
		want     error
	}{
		{"ok", buyer, 100, 100, nil},
		{"zero amount", buyer, 0, 0, ErrInvalidAmount},
		{"negative amount", buyer, -5, -5, ErrInvalidAmount},
		{"attached short", buyer, 100, 99, ErrInvalidAmount},
		{"attached over", buyer, 100, 101, ErrInvalidAmount},
		{"self dealing", seller, 100, 100, ErrInvalidParty},
		{"missing buyer", "", 100, 100, ErrInvalidParty},
		{"malformed buyer", Identity("not-an-address"), 100, 100, ErrInvalidParty},
		{"non-canonical buyer", Identity("0x52908400098527886e0f7030069857d2e4169ee7"), 100, 100, ErrInvalidParty},
		{"canonical mixed-case buyer", Identity("0x52908400098527886E0F7030069857D2E4169EE7"), 100, 100, nil},
		{"amount checked before party", seller, 100, 1, ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateCreate(seller, tc.buyer, tc.amount, tc.attached)
			if tc.want == nil && err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPlanPayees(t *testing.T) {
	roles := RoleAssignment{Owner: owner, Arbitrator: arbitrator}
	rec := Record{ID: 1, Buyer: buyer, Seller: seller, Amount: 40, Status: StatusCreated}

	cases := []struct {
		name        string
		op          Op
		caller      Identity
		beneficiary Identity
		payee       Identity
		next        Status
	}{
		{"release pays buyer", OpRelease, seller, "", buyer, StatusReleased},
		{"cancel refunds seller", OpCancel, seller, "", seller, StatusCancelled},
		{"resolve to buyer", OpResolve, arbitrator, buyer, buyer, StatusCancelled},
		{"resolve to seller", OpResolve, arbitrator, seller, seller, StatusCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := Plan(tc.op, rec, tc.caller, roles, tc.beneficiary)
			if err != nil {
				t.Fatalf("plan: %v", err)
			}
			if s.Payee != tc.payee || s.Next != tc.next || s.Amount != rec.Amount || s.Op != tc.op {
				t.Fatalf("unexpected settlement %+v", s)
			}
		})
	}
}

func TestPlanCheckOrder(t *testing.T) {
	roles := RoleAssignment{Owner: owner, Arbitrator: arbitrator}
	settled := Record{ID: 2, Buyer: buyer, Seller: seller, Amount: 40, Status: StatusReleased}
	open := Record{ID: 3, Buyer: buyer, Seller: seller, Amount: 40, Status: StatusCreated}

	// A stranger on a settled record is unauthorized before it is invalid state.
	if _, err := Plan(OpRelease, settled, stranger, roles, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	// A bad beneficiary on a settled record is invalid state before invalid party.
	if _, err := Plan(OpResolve, settled, arbitrator, roles, stranger); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if _, err := Plan(OpResolve, open, arbitrator, roles, stranger); !errors.Is(err, ErrInvalidParty) {
		t.Fatalf("expected invalid party, got %v", err)
	}
	if _, err := Plan(OpResolve, open, arbitrator, roles, ""); !errors.Is(err, ErrInvalidParty) {
		t.Fatalf("expected invalid party for empty beneficiary, got %v", err)
	}
}

func TestSettleStampsRecord(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	rec := Record{ID: 9, Buyer: buyer, Seller: seller, Amount: 5, Status: StatusCreated}
	next := rec.settle(Settlement{Op: OpResolve, Payee: buyer, Amount: 5, Next: StatusCancelled}, arbitrator, at)

	if next.Status != StatusCancelled || next.Beneficiary != buyer || next.SettledBy != arbitrator {
		t.Fatalf("unexpected record %+v", next)
	}
	if next.SettledAt == nil || !next.SettledAt.Equal(at) || next.SettledAt.Location() != time.UTC {
		t.Fatalf("expected settled_at %v in UTC, got %v", at, next.SettledAt)
	}
	if rec.Status != StatusCreated {
		t.Fatalf("original record mutated: %+v", rec)
	}
}
