package gateway

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/durable/api"
	"pkt.systems/durable/internal/loggingutil"
)

// ErrAlreadyReplied is returned by every Reply after the first.
var ErrAlreadyReplied = errors.New("gateway: reply already sent")

// Application answers gateway requests. It must call Reply exactly once,
// from any goroutine, before or after HandleRequest returns.
type Application interface {
	HandleRequest(ctx context.Context, req api.Request, res *Responder)
}

// ApplicationFunc adapts a function to Application.
type ApplicationFunc func(ctx context.Context, req api.Request, res *Responder)

// HandleRequest calls f.
func (f ApplicationFunc) HandleRequest(ctx context.Context, req api.Request, res *Responder) {
	f(ctx, req, res)
}

// Responder is the one-shot reply channel of a request.
type Responder struct {
	mu      sync.Mutex
	replied bool
	ch      chan api.Reply
	logger  pslog.Logger
}

func newResponder(logger pslog.Logger) *Responder {
	return &Responder{ch: make(chan api.Reply, 1), logger: loggingutil.Ensure(logger)}
}

// Reply sends reply to the waiting gateway.
func (r *Responder) Reply(reply api.Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replied {
		r.logger.Warn("gateway.reply.duplicate", "status", reply.Status)
		return ErrAlreadyReplied
	}
	r.replied = true
	r.ch <- reply
	return nil
}

// JSON replies with status and body.
func (r *Responder) JSON(status int, body any) error {
	return r.Reply(api.Reply{Status: status, Body: body})
}

// Error replies with an api.ErrorResponse.
func (r *Responder) Error(status int, msg string) error {
	return r.Reply(api.ErrorReply(status, msg))
}

// Replied reports whether a reply was sent.
func (r *Responder) Replied() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replied
}
