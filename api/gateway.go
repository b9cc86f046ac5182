package api

import "encoding/json"

// Authorization carries the claims the gateway extracted from the request.
type Authorization struct {
	// Scopes are the space separated segments of a Bearer token.
	Scopes []string `json:"scopes"`
}

// Request is the single internal message built from an inbound HTTP request.
type Request struct {
	// Method is the HTTP method.
	Method string `json:"method"`
	// URL is the absolute request URL.
	URL string `json:"url"`
	// Authorization holds the bearer scopes, empty when absent.
	Authorization Authorization `json:"authorization"`
	// Body is the parsed JSON payload, or null.
	Body json.RawMessage `json:"body"`
}

// HasScope reports whether scope was presented by the caller.
func (r Request) HasScope(scope string) bool {
	for _, s := range r.Authorization.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Reply is the single internal message the application answers with.
type Reply struct {
	// Status is the HTTP status code to render.
	Status int `json:"status"`
	// Body is rendered as the JSON response body.
	Body any `json:"body"`
}

// ErrorResponse is the body of every gateway and route level error.
type ErrorResponse struct {
	// Error is a short human readable reason.
	Error string `json:"error"`
}

// ErrorReply builds a Reply carrying an ErrorResponse.
func ErrorReply(status int, msg string) Reply {
	return Reply{Status: status, Body: ErrorResponse{Error: msg}}
}
