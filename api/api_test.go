package api

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

func marshalIndent(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return append(data, '\n')
}

func TestWireShapes(t *testing.T) {
	zero := int64(0)
	cases := map[string]any{
		"read_result_empty": EmptyResult("k1"),
		"read_result_existing": ExistingResult(Entry{
			Key: "k1", Version: 1, Value: json.RawMessage(`{"a":1}`),
		}),
		"commit_committed": CommitOutcome{Committed: &Entry{
			Key: "k1", Version: 1, Value: json.RawMessage(`{"a":1}`),
		}},
		"commit_conflict": CommitOutcome{VersionConflict: &Proposal{
			Key: "k1", Version: &zero, Value: json.RawMessage(`{"a":2}`),
		}},
		"commit_conflict_uncoercible": CommitOutcome{VersionConflict: &Proposal{
			Key: "k1", Value: json.RawMessage(`{"a":2}`),
		}},
		"request": Request{
			Method:        "POST",
			URL:           "https://example.test/flights/p1/k1/commit",
			Authorization: Authorization{Scopes: []string{"flights:write"}},
			Body:          json.RawMessage(`{"version":0,"value":{"a":1}}`),
		},
		"request_no_body": Request{
			Method:        "GET",
			URL:           "https://example.test/flights/p1/k1",
			Authorization: Authorization{Scopes: []string{}},
			Body:          json.RawMessage("null"),
		},
		"queue_message": QueueMessage{ID: "cv37i8h0000000000000", Body: json.RawMessage(`{"key":"a"}`), Attempts: 1},
		"error_reply":   ErrorReply(404, "not found"),
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			g.Assert(t, name, marshalIndent(t, v))
		})
	}
}

func TestReadResultVersion(t *testing.T) {
	if v := EmptyResult("k").Version(); v != 0 {
		t.Fatalf("empty version=%d", v)
	}
	if v := ExistingResult(Entry{Key: "k", Version: 7}).Version(); v != 7 {
		t.Fatalf("existing version=%d", v)
	}
}

func TestRequestHasScope(t *testing.T) {
	req := Request{Authorization: Authorization{Scopes: []string{"a", "b"}}}
	if !req.HasScope("b") || req.HasScope("c") {
		t.Fatalf("scope lookup wrong for %v", req.Authorization.Scopes)
	}
}
