// Package gateway turns each inbound HTTP request into one api.Request,
// hands it to an Application and renders the single api.Reply it sends
// back.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/durable/api"
	"pkt.systems/durable/internal/correlation"
	"pkt.systems/durable/internal/ids"
	"pkt.systems/durable/internal/jsonutil"
	"pkt.systems/durable/internal/loggingutil"
)

const (
	// DefaultTimeout bounds the wait for a reply.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxBodyBytes bounds JSON request bodies.
	DefaultMaxBodyBytes int64 = 1 << 20

	headerRequestID = "X-Request-Id"
	contentTypeJSON = "application/json"
)

// Config tunes a Handler.
type Config struct {
	// Timeout bounds the wait for the application's reply. Zero disables
	// the bound; the request then lives as long as the client connection.
	Timeout time.Duration
	// MaxBodyBytes bounds JSON bodies (<=0 uses DefaultMaxBodyBytes).
	MaxBodyBytes int64
}

// Handler is the request/reply gateway.
type Handler struct {
	app     Application
	logger  pslog.Logger
	timeout time.Duration
	maxBody int64
}

// NewHandler returns a gateway serving app.
func NewHandler(app Application, logger pslog.Logger, cfg Config) *Handler {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	timeout := cfg.Timeout
	if timeout < 0 {
		timeout = 0
	}
	return &Handler{
		app:     app,
		logger:  loggingutil.WithSubsystem(logger, "gateway"),
		timeout: timeout,
		maxBody: maxBody,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := ids.RequestID()
	corr := correlation.FromRequest(r)
	ctx := correlation.With(r.Context(), corr)
	logger := h.logger.With("req_id", reqID, "correlation_id", corr, "method", r.Method, "path", r.URL.Path)
	ctx = pslog.ContextWithLogger(ctx, logger)
	w.Header().Set(headerRequestID, reqID)
	w.Header().Set(correlation.Header, corr)
	span := trace.SpanFromContext(ctx)

	req, err := h.buildRequest(r)
	if err != nil {
		status, msg := http.StatusBadRequest, "invalid json body"
		if errors.Is(err, jsonutil.ErrTooLarge) {
			status, msg = http.StatusRequestEntityTooLarge, "request body too large"
		}
		logger.Debug("gateway.request.rejected", "status", status, "error", err)
		writeJSON(w, status, api.ErrorResponse{Error: msg})
		return
	}
	logger.Trace("gateway.request.begin", "scopes", len(req.Authorization.Scopes))

	var cancel context.CancelFunc
	if h.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	res := newResponder(logger)
	go h.run(ctx, logger, req, res)

	select {
	case reply := <-res.ch:
		status := h.render(w, logger, reply)
		span.SetAttributes(attribute.Int("durable.gateway.reply_status", status))
		logger.Debug("gateway.request.reply", "status", status, "elapsed", time.Since(start))
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Warn("gateway.request.timeout", "timeout", h.timeout)
			span.SetAttributes(attribute.Bool("durable.gateway.timeout", true))
			writeJSON(w, http.StatusGatewayTimeout, api.ErrorResponse{Error: "gateway timeout"})
			return
		}
		logger.Debug("gateway.request.abandoned", "elapsed", time.Since(start))
	}
}

func (h *Handler) run(ctx context.Context, logger pslog.Logger, req api.Request, res *Responder) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("gateway.application.panic", "panic", rec)
			_ = res.Error(http.StatusInternalServerError, "internal error")
		}
	}()
	h.app.HandleRequest(ctx, req, res)
}

func (h *Handler) render(w http.ResponseWriter, logger pslog.Logger, reply api.Reply) int {
	status := reply.Status
	// 1xx codes are interim in net/http and cannot end a response.
	if status < 200 || status > 999 {
		logger.Warn("gateway.reply.invalid_status", "status", status)
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "invalid reply status"})
		return http.StatusInternalServerError
	}
	payload, err := json.Marshal(reply.Body)
	if err != nil {
		logger.Warn("gateway.reply.encode_failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "invalid reply body"})
		return http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	return status
}

func (h *Handler) buildRequest(r *http.Request) (api.Request, error) {
	req := api.Request{
		Method:        r.Method,
		URL:           absoluteURL(r),
		Authorization: api.Authorization{Scopes: bearerScopes(r.Header.Get("Authorization"))},
		Body:          json.RawMessage("null"),
	}
	if !strings.Contains(r.Header.Get("Content-Type"), contentTypeJSON) || r.Body == nil {
		return req, nil
	}
	body, err := jsonutil.Compact(r.Body, h.maxBody)
	if err != nil {
		return api.Request{}, err
	}
	req.Body = body
	return req, nil
}

// bearerScopes splits a Bearer token on single spaces. Anything else
// yields no scopes.
func bearerScopes(header string) []string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return []string{}
	}
	return strings.Split(token, " ")
}

func absoluteURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
