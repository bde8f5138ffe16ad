package alertapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/tally/internal/alert"
)

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("tally.alert.id", id))

	al, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get alert", "id", id)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	span.SetAttributes(attribute.Int64("tally.alert.counter", al.Counter))
	writeJSON(w, http.StatusOK, al)
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "rule")

	q := r.URL.Query()
	from, err := alert.ParseTime(q.Get("from"))
	if err != nil {
		badRequest(w, "invalid from: "+err.Error())
		return
	}
	to, err := alert.ParseTime(q.Get("to"))
	if err != nil {
		badRequest(w, "invalid to: "+err.Error())
		return
	}

	win := alert.Window{From: from, To: to}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("tally.rule.id", ruleID),
		attribute.String("tally.window", win.String()),
	)

	alerts, err := a.svc.List(r.Context(), ruleID, win)
	if err != nil {
		a.writeError(w, r, err, "failed to list alerts", "rule", ruleID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
	})
}
