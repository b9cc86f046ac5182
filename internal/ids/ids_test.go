package ids

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

func TestRequestIDIsV7(t *testing.T) {
	id, err := uuid.Parse(RequestID())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.Version() != 7 {
		t.Fatalf("version=%d want 7", id.Version())
	}
}

func TestMessageIDsSortByCreation(t *testing.T) {
	prev := MessageID()
	for i := 0; i < 100; i++ {
		next := MessageID()
		if next <= prev {
			t.Fatalf("message id %q not after %q", next, prev)
		}
		prev = next
	}
	if _, err := xid.FromString(prev); err != nil {
		t.Fatalf("xid parse: %v", err)
	}
}
