// Package alertapi exposes finding ingestion, merge triggers and alert reads over HTTP.
package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/tally/internal/alert"
	"github.com/linnemanlabs/tally/internal/merge"
)

// MergeService defines the business operations alertapi needs.
type MergeService interface {
	Ingest(ctx context.Context, ruleID string, rows []json.RawMessage) ([]string, error)
	Merge(ctx context.Context, ruleID string, w alert.Window) (*merge.Outcome, error)
	List(ctx context.Context, ruleID string, w alert.Window) ([]*alert.Alert, error)
	Get(ctx context.Context, id string) (*alert.Alert, bool, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger       log.Logger
	svc          MergeService
	mergeTimeout time.Duration
}

// New creates a new API handler.
func New(logger log.Logger, svc MergeService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("merge service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// SetMergeTimeout bounds merges triggered over HTTP. Zero leaves them bounded only by
// the request context.
func (a *API) SetMergeTimeout(d time.Duration) {
	a.mergeTimeout = d
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/rules/{rule}", func(r chi.Router) {
			r.Post("/findings", a.handleIngestFindings)
			r.Post("/merge", a.handleMerge)
			r.Get("/alerts", a.handleListAlerts)
		})
		r.Get("/alerts/{id}", a.handleGetAlert)
	})
}

// statusFor maps the merge error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, merge.ErrInvalidRule), errors.Is(err, merge.ErrInvalidWindow):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, merge.ErrMalformedRecord):
		return http.StatusUnprocessableEntity
	case errors.Is(err, merge.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, merge.ErrIngestUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, merge.ErrSourceUnavailable),
		errors.Is(err, merge.ErrStoreUnavailable),
		errors.Is(err, merge.ErrStoreWriteFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	status := statusFor(err)
	text := err.Error()
	if status >= http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, msg, kv...)
		if status == http.StatusInternalServerError {
			text = "internal error"
		}
	}
	writeJSON(w, status, map[string]string{"error": text})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}
