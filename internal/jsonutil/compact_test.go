package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func compactReference(input string) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(input)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func TestCompactBasic(t *testing.T) {
	cases := []string{
		` { "foo" : [ 1 , 2 , 3 ] } `,
		"\n\t{\"nested\": {\"a\": 1, \"b\":true}}",
		`{"empty": [   ] , "obj" : {   }}`,
		`{"string":"\"quoted\"","escape":"\\tab\n"}`,
		`{"unicode":"åäö"}`,
		` [ 0 , -1 , 3.1415 , 10e-3 ] `,
		`null`,
		`"plain string"`,
		`{"big":"` + strings.Repeat("x", 4*smallJSONThreshold) + `", "n" : 1}`,
	}
	for _, tc := range cases {
		out, err := Compact(strings.NewReader(tc), 0)
		if err != nil {
			t.Fatalf("compact %q: %v", tc[:min(len(tc), 40)], err)
		}
		want, err := compactReference(tc)
		if err != nil {
			t.Fatalf("reference failed: %v", err)
		}
		if string(out) != want {
			t.Fatalf("unexpected output\n got: %q\nwant:%q", out, want)
		}
	}
}

func TestCompactErrors(t *testing.T) {
	tests := []string{
		``,
		`{`,
		`{"a":}`,
		`{"a"  "b"}`,
		`{"a":00}`,
		`{"a":"\x"}`,
		`0 1`,
		`[` + strings.Repeat(`1,`, smallJSONThreshold) + `]`,
	}
	for _, tc := range tests {
		if _, err := Compact(strings.NewReader(tc), 0); !errors.Is(err, ErrInvalid) {
			t.Fatalf("input %q err=%v want ErrInvalid", tc[:min(len(tc), 40)], err)
		}
	}
}

func TestCompactMaxBytes(t *testing.T) {
	input := `{"foo":` + strings.Repeat(" ", 10) + `"bar"}`
	if _, err := Compact(strings.NewReader(input), 5); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err=%v want ErrTooLarge", err)
	}
	large := `"` + strings.Repeat("y", 3*smallJSONThreshold) + `"`
	if _, err := Compact(strings.NewReader(large), int64(2*smallJSONThreshold)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("large err=%v want ErrTooLarge", err)
	}
	exact := `{"a":1}`
	out, err := Compact(strings.NewReader(exact), int64(len(exact)))
	if err != nil || string(out) != exact {
		t.Fatalf("exact limit out=%q err=%v", out, err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestCompactReadError(t *testing.T) {
	_, err := Compact(failingReader{}, 0)
	if !errors.Is(err, io.ErrClosedPipe) || errors.Is(err, ErrInvalid) {
		t.Fatalf("err=%v want read error", err)
	}
}
