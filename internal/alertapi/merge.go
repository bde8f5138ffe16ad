package alertapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/tally/internal/alert"
)

type mergeRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (a *API) handleMerge(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "rule")

	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid payload")
		return
	}

	win := alert.Window{From: req.From, To: req.To}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("tally.rule.id", ruleID),
		attribute.String("tally.window", win.String()),
	)

	ctx := r.Context()
	if a.mergeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.mergeTimeout)
		defer cancel()
	}

	out, err := a.svc.Merge(ctx, ruleID, win)
	if err != nil {
		a.writeError(w, r, err, "merge failed", "rule", ruleID, "window", win.String())
		return
	}

	writeJSON(w, http.StatusOK, out)
}
