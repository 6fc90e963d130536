package escrow

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Identity is an opaque account address. Canonical identities are EIP-55
// checksummed hex addresses so that two spellings of the same account compare
// equal.
type Identity string

// ParseIdentity validates raw as a non-zero hex address and returns its
// canonical form.
func ParseIdentity(raw string) (Identity, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: malformed identity %q", ErrInvalidParty, raw)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return "", fmt.Errorf("%w: zero identity", ErrInvalidParty)
	}
	return Identity(addr.Hex()), nil
}

// MustIdentity is ParseIdentity for constants; it panics on malformed input.
func MustIdentity(raw string) Identity {
	id, err := ParseIdentity(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func (id Identity) IsZero() bool { return id == "" }

func (id Identity) String() string { return string(id) }

// checkIdentity rejects zero, malformed and non-canonical identities with
// ErrInvalidParty. role names the slot in the error.
func checkIdentity(role string, id Identity) error {
	if id.IsZero() {
		return fmt.Errorf("%w: %s required", ErrInvalidParty, role)
	}
	canonical, err := ParseIdentity(id.String())
	if err != nil {
		return fmt.Errorf("%w: %s %q is not a valid identity", ErrInvalidParty, role, string(id))
	}
	if canonical != id {
		return fmt.Errorf("%w: %s %q is not canonical, want %s", ErrInvalidParty, role, string(id), canonical)
	}
	return nil
}
