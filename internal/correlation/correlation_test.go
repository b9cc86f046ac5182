package correlation

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"abc-123", "abc-123", true},
		{"  xyz  ", "xyz", true},
		{"", "", false},
		{strings.Repeat("a", MaxIDLength+1), "", false},
		{"bad\x01id", "", false},
		{"snø", "", false},
	}
	for _, tc := range cases {
		got, ok := Normalize(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("Normalize(%q)=(%q,%v) want (%q,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestWithAndID(t *testing.T) {
	ctx := context.Background()
	if ID(ctx) != "" {
		t.Fatal("expected empty id")
	}
	ctx = With(ctx, "")
	if ID(ctx) != "" {
		t.Fatal("invalid id should be ignored")
	}
	ctx = With(ctx, " req-1 ")
	if got := ID(ctx); got != "req-1" {
		t.Fatalf("id=%q want req-1", got)
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(Header, "caller-42")
	if got := FromRequest(req); got != "caller-42" {
		t.Fatalf("id=%q want caller-42", got)
	}
	req.Header.Set(Header, "\x00")
	if got := FromRequest(req); got == "" || got == "\x00" {
		t.Fatalf("expected generated id, got %q", got)
	}
}
