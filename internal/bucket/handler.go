package bucket

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/durable/api"
	"pkt.systems/durable/internal/loggingutil"
)

// RoutePrefix is where Handler expects to be mounted.
const RoutePrefix = "/buckets/"

// BindingSuffix turns a route bucket name into its binding name.
const BindingSuffix = "_bucket"

// Resolver finds buckets by binding name.
type Resolver interface {
	Bucket(binding string) (*Bucket, error)
}

// Handler serves GET /buckets/{name}/{key...} from binding {name}_bucket.
type Handler struct {
	resolver Resolver
	logger   pslog.Logger
}

// NewHandler returns a read-only bucket route.
func NewHandler(resolver Resolver, logger pslog.Logger) *Handler {
	return &Handler{resolver: resolver, logger: loggingutil.WithSubsystem(logger, "bucket.http")}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := loggingutil.FromContext(r.Context(), h.logger)
	rest, ok := strings.CutPrefix(r.URL.Path, RoutePrefix)
	if !ok {
		writeNotFound(w)
		return
	}
	name, key, _ := strings.Cut(rest, "/")
	if name == "" || key == "" {
		writeNotFound(w)
		return
	}
	b, err := h.resolver.Bucket(name + BindingSuffix)
	if err != nil {
		logger.Debug("bucket.http.unknown_binding", "bucket", name, "error", err)
		writeNotFound(w)
		return
	}
	value, found, err := b.Get(r.Context(), key)
	if errors.Is(err, ErrInvalidKey) {
		writeNotFound(w)
		return
	}
	if err != nil {
		logger.Warn("bucket.http.get_failed", "bucket", name, "key", key, "error", err)
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "internal error"})
		return
	}
	if !found {
		writeNotFound(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(value)
	}
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "not found"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
