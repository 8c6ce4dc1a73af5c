package runid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

func TestNewIsUUIDv7(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Fatal("expected unique run ids")
	}
	parsed, err := uuid.Parse(a)
	if err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
}

func TestClientName(t *testing.T) {
	name := Client()
	id, ok := strings.CutPrefix(name, "storebench-")
	if !ok {
		t.Fatalf("missing prefix: %q", name)
	}
	if _, err := xid.FromString(id); err != nil {
		t.Fatalf("xid.FromString(%q): %v", id, err)
	}
}
