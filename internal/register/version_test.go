package register

import (
	"encoding/json"
	"math"
	"testing"
)

func TestCoerceVersion(t *testing.T) {
	cases := []struct {
		in   any
		want int64
		ok   bool
	}{
		{0, 0, true},
		{int64(42), 42, true},
		{float64(3), 3, true},
		{float64(-2), -2, true},
		{2.5, 0, false},
		{math.NaN(), 0, false},
		{math.Inf(1), 0, false},
		{json.Number("9"), 9, true},
		{json.Number("9.0"), 9, true},
		{json.Number("9.5"), 0, false},
		{json.RawMessage(`12`), 12, true},
		{json.RawMessage(`"12"`), 12, true},
		{json.RawMessage(`null`), 0, false},
		{"12", 12, true},
		{"  12  ", 12, true},
		{"12abc", 12, true},
		{"+5", 5, true},
		{"-3", -3, true},
		{"3.9", 3, true},
		{"abc", 0, false},
		{"", 0, false},
		{"-", 0, false},
		{"99999999999999999999", 0, false},
		{nil, 0, false},
		{true, 0, false},
		{map[string]any{"v": 1}, 0, false},
		{[]any{1}, 0, false},
	}
	for _, tc := range cases {
		got, ok := CoerceVersion(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("CoerceVersion(%#v)=(%d,%v) want (%d,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
