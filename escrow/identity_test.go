package escrow

import (
	"errors"
	"testing"
)

func TestParseIdentity(t *testing.T) {
	lower := "0x52908400098527886e0f7030069857d2e4169ee7"
	want := Identity("0x52908400098527886E0F7030069857D2E4169EE7")

	got, err := ParseIdentity("  " + lower + " ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != want {
		t.Fatalf("expected checksummed %s, got %s", want, got)
	}

	upper, err := ParseIdentity("0x52908400098527886E0F7030069857D2E4169EE7")
	if err != nil {
		t.Fatalf("parse upper: %v", err)
	}
	if upper != got {
		t.Fatalf("expected spellings to compare equal: %s vs %s", upper, got)
	}

	for _, raw := range []string{"", "alice", "0x1234", "0x0000000000000000000000000000000000000000"} {
		if _, err := ParseIdentity(raw); !errors.Is(err, ErrInvalidParty) {
			t.Errorf("ParseIdentity(%q): expected invalid party, got %v", raw, err)
		}
	}
}
