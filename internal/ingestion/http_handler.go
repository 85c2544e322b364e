package ingestion

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/feeddelta/internal/domain"
	"github.com/rpattn/feeddelta/internal/feed"
	"github.com/rpattn/feeddelta/internal/httpjson"
)

// Runner starts ingestion runs.
type Runner interface {
	Run(ctx context.Context, asOf time.Time, feeds []domain.FeedName) (uuid.UUID, error)
	EnabledFeeds() []domain.FeedName
}

// Handler exposes run triggering as an HTTP endpoint.
type Handler struct {
	runner   Runner
	registry *feed.Registry
}

// RunResponse is returned by a successful trigger.
type RunResponse struct {
	RunID uuid.UUID `json:"runId"`
	AsOf  string    `json:"asOf"`
}

// NewHTTPHandler serves POST /api/admin/ingest?asOf=YYYY-MM-DD[&feeds=A,B].
// The run executes synchronously within the request.
func NewHTTPHandler(runner Runner, registry *feed.Registry) http.Handler {
	return &Handler{runner: runner, registry: registry}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpjson.WriteStatus(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	rawDate := strings.TrimSpace(q.Get("asOf"))
	asOf, err := time.Parse(time.DateOnly, rawDate)
	if err != nil {
		httpjson.WriteError(w, fmt.Errorf("%w: asOf must be YYYY-MM-DD: %q", domain.ErrInvalidInput, rawDate))
		return
	}

	feeds := h.runner.EnabledFeeds()
	if raw := strings.TrimSpace(q.Get("feeds")); raw != "" {
		if feeds, err = h.registry.ParseList(raw); err != nil {
			httpjson.WriteError(w, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err))
			return
		}
	}

	runID, err := h.runner.Run(r.Context(), asOf, feeds)
	if err != nil {
		if runID != uuid.Nil {
			w.Header().Set("X-Run-Id", runID.String())
		}
		httpjson.WriteError(w, err)
		return
	}

	httpjson.WriteJSON(w, http.StatusOK, RunResponse{RunID: runID, AsOf: asOf.Format(time.DateOnly)})
}
