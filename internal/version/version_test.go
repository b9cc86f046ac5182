package version

import "testing"

func TestPseudo(t *testing.T) {
	cases := []struct {
		rev, ts string
		dirty   bool
		want    string
	}{
		{"0123456789abcdef", "2026-03-01T10:20:30Z", false, "v0.0.0-20260301102030-0123456789ab"},
		{"abc", "2026-03-01T10:20:30Z", true, "v0.0.0-20260301102030-abc+dirty"},
		{"", "2026-03-01T10:20:30Z", false, "v0.0.0-unknown"},
		{"abc", "garbage", false, "v0.0.0-unknown"},
	}
	for _, tc := range cases {
		if got := pseudo(tc.rev, tc.ts, tc.dirty); got != tc.want {
			t.Fatalf("pseudo(%q,%q,%v)=%q want %q", tc.rev, tc.ts, tc.dirty, got, tc.want)
		}
	}
}

func TestInjectedVersionWins(t *testing.T) {
	prev := buildVersion
	buildVersion = "v9.9.9"
	defer func() { buildVersion = prev }()
	if got := Current(); got != "v9.9.9" {
		t.Fatalf("Current()=%q want v9.9.9", got)
	}
	if Module() == "" {
		t.Fatal("empty module")
	}
}
