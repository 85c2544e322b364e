// Package api wires the admin HTTP surface.
package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/rpattn/feeddelta/internal/domain"
	"github.com/rpattn/feeddelta/internal/feed"
	"github.com/rpattn/feeddelta/internal/httpjson"
	"github.com/rpattn/feeddelta/internal/middleware"
	"github.com/rpattn/feeddelta/internal/repository"
)

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DeltaCounter summarizes the stored delta events of one feed in a run.
type DeltaCounter interface {
	CountByOp(ctx context.Context, runID uuid.UUID, feed domain.FeedName) (map[domain.DeltaOp]int64, error)
}

// Deps are the collaborators of the admin API.
type Deps struct {
	Registry       *feed.Registry
	EnabledFeeds   []domain.FeedName
	Runs           repository.RunQueryRepository
	Deltas         DeltaCounter
	Ingest         http.Handler
	Delta          http.Handler
	DB             Pinger
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Server holds the handlers of the admin API.
type Server struct {
	registry     *feed.Registry
	enabledFeeds []domain.FeedName
	runs         repository.RunQueryRepository
	deltas       DeltaCounter
	db           Pinger
}

// NewHandler builds the routed, logged and CORS-wrapped API handler.
func NewHandler(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry:     deps.Registry,
		enabledFeeds: deps.EnabledFeeds,
		runs:         deps.Runs,
		deltas:       deps.Deltas,
		db:           deps.DB,
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/admin/ingest", deps.Ingest)
	mux.HandleFunc("GET /api/admin/feeds", s.listFeeds)
	mux.HandleFunc("GET /api/admin/runs", s.listRuns)
	mux.HandleFunc("GET /api/admin/runs/{runId}", s.getRun)
	mux.HandleFunc("GET /api/admin/runs/{runId}/feeds", s.listRunFeeds)
	mux.Handle("GET /api/delta", deps.Delta)
	mux.HandleFunc("GET /healthz", s.health)
	mux.Handle("GET /metrics", promhttp.Handler())

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Disposition", "X-Run-Id"},
	})
	return corsHandler.Handler(middleware.Logging(logger)(mux))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			httpjson.WriteStatus(w, http.StatusServiceUnavailable, "database unreachable: "+err.Error())
			return
		}
	}
	httpjson.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
