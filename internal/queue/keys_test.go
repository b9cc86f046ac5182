package queue

import (
	"errors"
	"testing"
)

func TestParseMessageKey(t *testing.T) {
	cases := []struct {
		key   string
		want  MessageKeyParts
		valid bool
	}{
		{"q/orders/msg/abc.json", MessageKeyParts{Queue: "orders", ID: "abc"}, true},
		{"/q/orders/msg/abc.json", MessageKeyParts{Queue: "orders", ID: "abc"}, true},
		{"q/orders/msg/abc.bin", MessageKeyParts{}, false},
		{"q/orders/state/abc.json", MessageKeyParts{}, false},
		{"q/orders/msg/.json", MessageKeyParts{}, false},
		{"x/orders/msg/abc.json", MessageKeyParts{}, false},
		{"q/orders/msg", MessageKeyParts{}, false},
	}
	for _, tc := range cases {
		got, ok := ParseMessageKey(tc.key)
		if ok != tc.valid || got != tc.want {
			t.Fatalf("ParseMessageKey(%q)=(%+v,%v) want (%+v,%v)", tc.key, got, ok, tc.want, tc.valid)
		}
		if IsMessageKey(tc.key) != tc.valid {
			t.Fatalf("IsMessageKey(%q)=%v", tc.key, !tc.valid)
		}
	}
	if key := messageKey("orders", "abc"); !IsMessageKey(key) {
		t.Fatalf("messageKey produced unparseable %q", key)
	}
}

func TestSanitizeQueueName(t *testing.T) {
	for _, name := range []string{"scheduling-queue", "scheduling-queue-dlq", "a_b.c", " padded "} {
		if _, err := sanitizeQueueName(name); err != nil {
			t.Fatalf("sanitizeQueueName(%q): %v", name, err)
		}
	}
	for _, name := range []string{"", " ", ".", "..", "a/b", "with space", "ünicode"} {
		if _, err := sanitizeQueueName(name); !errors.Is(err, ErrInvalidQueue) {
			t.Fatalf("sanitizeQueueName(%q) err=%v want ErrInvalidQueue", name, err)
		}
	}
}
