// Package app is the built-in application: a registry served through the
// gateway and a projection handler for the queue consumer.
package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"pkt.systems/pslog"

	"pkt.systems/durable/api"
	"pkt.systems/durable/internal/binding"
	"pkt.systems/durable/internal/gateway"
	"pkt.systems/durable/internal/loggingutil"
	"pkt.systems/durable/internal/partition"
	"pkt.systems/durable/internal/queue"
	"pkt.systems/durable/internal/register"
)

// Resolver is the subset of binding.Resolver the registry needs.
type Resolver interface {
	Namespace(name string) (*partition.Namespace, error)
	Producer(name string) (*queue.Producer, error)
}

// RegistryConfig tunes the registry application.
type RegistryConfig struct {
	// RequiredScope, when set, must be among the caller's bearer scopes.
	RequiredScope string
	Logger        pslog.Logger
}

// Registry routes gateway requests onto register and queue bindings.
type Registry struct {
	resolver Resolver
	scope    string
	logger   pslog.Logger
	mux      *chi.Mux
}

var _ gateway.Application = (*Registry)(nil)

// NewRegistry returns the registry application.
func NewRegistry(resolver Resolver, cfg RegistryConfig) *Registry {
	a := &Registry{
		resolver: resolver,
		scope:    cfg.RequiredScope,
		logger:   loggingutil.WithSubsystem(cfg.Logger, "app.registry"),
	}
	mux := chi.NewRouter()
	mux.Post("/queues/{binding}", a.publish)
	mux.Get("/{binding}/{partition}/{key}", a.get)
	mux.Post("/{binding}/{partition}/{key}/begin", a.begin)
	mux.Post("/{binding}/{partition}/{key}/commit", a.commit)
	mux.NotFound(a.notFound)
	mux.MethodNotAllowed(a.notFound)
	a.mux = mux
	return a
}

type callKey struct{}

type call struct {
	req api.Request
	res *gateway.Responder
}

func callFrom(r *http.Request) *call {
	c, _ := r.Context().Value(callKey{}).(*call)
	return c
}

// HandleRequest implements gateway.Application.
func (a *Registry) HandleRequest(ctx context.Context, req api.Request, res *gateway.Responder) {
	if a.scope != "" && !req.HasScope(a.scope) {
		_ = res.Error(http.StatusForbidden, "forbidden")
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		_ = res.Error(http.StatusNotFound, "not found")
		return
	}
	httpReq, err := http.NewRequestWithContext(context.WithValue(ctx, callKey{}, &call{req: req, res: res}), req.Method, u.String(), nil)
	if err != nil {
		_ = res.Error(http.StatusNotFound, "not found")
		return
	}
	a.mux.ServeHTTP(discardWriter{}, httpReq)
}

func (a *Registry) notFound(_ http.ResponseWriter, r *http.Request) {
	_ = callFrom(r).res.Error(http.StatusNotFound, "not found")
}

func (a *Registry) stub(r *http.Request) (*partition.Stub, string, bool) {
	ns, err := a.resolver.Namespace(param(r, "binding"))
	if err != nil {
		a.reply(r, err)
		return nil, "", false
	}
	return ns.Get(param(r, "partition")), param(r, "key"), true
}

func (a *Registry) get(_ http.ResponseWriter, r *http.Request) {
	stub, key, ok := a.stub(r)
	if !ok {
		return
	}
	value, found, err := stub.Get(r.Context(), key)
	if err != nil {
		a.reply(r, err)
		return
	}
	if !found {
		value = nil
	}
	_ = callFrom(r).res.JSON(http.StatusOK, value)
}

func (a *Registry) begin(_ http.ResponseWriter, r *http.Request) {
	stub, key, ok := a.stub(r)
	if !ok {
		return
	}
	result, err := stub.Begin(r.Context(), key)
	if err != nil {
		a.reply(r, err)
		return
	}
	_ = callFrom(r).res.JSON(http.StatusOK, result)
}

func (a *Registry) commit(_ http.ResponseWriter, r *http.Request) {
	c := callFrom(r)
	body, err := decodeCommit(c.req.Body)
	if err != nil {
		_ = c.res.Error(http.StatusBadRequest, "invalid commit body")
		return
	}
	stub, key, ok := a.stub(r)
	if !ok {
		return
	}
	outcome, err := stub.Commit(r.Context(), key, body.Version, body.Value)
	if err != nil {
		a.reply(r, err)
		return
	}
	status := http.StatusOK
	if !outcome.IsCommitted() {
		status = http.StatusConflict
	}
	_ = c.res.JSON(status, outcome)
}

func (a *Registry) publish(_ http.ResponseWriter, r *http.Request) {
	c := callFrom(r)
	producer, err := a.resolver.Producer(param(r, "binding"))
	if err != nil {
		a.reply(r, err)
		return
	}
	body := c.req.Body
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	msg, err := producer.SendRaw(r.Context(), body)
	if err != nil {
		a.reply(r, err)
		return
	}
	_ = c.res.JSON(http.StatusAccepted, api.PublishResponse{Queue: msg.Queue, ID: msg.ID})
}

// reply maps an operation error onto a status and error body.
func (a *Registry) reply(r *http.Request, err error) {
	res := callFrom(r).res
	logger := loggingutil.FromContext(r.Context(), a.logger)
	switch {
	case errors.Is(err, binding.ErrUnknownBinding):
		_ = res.Error(http.StatusNotFound, "not found")
	case errors.Is(err, register.ErrInvalidKey), errors.Is(err, register.ErrInvalidValue), errors.Is(err, queue.ErrInvalidQueue):
		_ = res.Error(http.StatusBadRequest, err.Error())
	case errors.Is(err, partition.ErrClosed), errors.Is(err, binding.ErrClosed):
		_ = res.Error(http.StatusServiceUnavailable, "shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Debug("app.registry.cancelled", "path", r.URL.Path, "error", err)
		_ = res.Error(http.StatusServiceUnavailable, "request cancelled")
	default:
		logger.Error("app.registry.failed", "path", r.URL.Path, "error", err)
		_ = res.Error(http.StatusInternalServerError, "storage error")
	}
}

func decodeCommit(raw json.RawMessage) (api.CommitRequest, error) {
	var req api.CommitRequest
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return req, errors.New("commit body required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return req, err
	}
	return req, nil
}

// param returns the decoded route parameter. chi matches on RawPath when
// the URL carried escapes, so those segments still need unescaping.
func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v
	}
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}

// discardWriter satisfies chi; replies go through the Responder.
type discardWriter struct{}

func (discardWriter) Header() http.Header         { return http.Header{} }
func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriter) WriteHeader(int)             {}
