package alertapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type ingestRequest struct {
	Findings []json.RawMessage `json:"findings"`
}

func (a *API) handleIngestFindings(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "rule")

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid payload")
		return
	}
	if len(req.Findings) == 0 {
		badRequest(w, "no findings")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("tally.rule.id", ruleID),
		attribute.Int("tally.findings", len(req.Findings)),
	)

	refs, err := a.svc.Ingest(r.Context(), ruleID, req.Findings)
	if err != nil {
		a.writeError(w, r, err, "failed to ingest findings", "rule", ruleID)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": refs,
	})
}
