package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/feeddelta/internal/domain"
	"github.com/rpattn/feeddelta/internal/httpjson"
)

// feedView is the registry listing entry.
type feedView struct {
	Name          domain.FeedName `json:"name"`
	FilePattern   string          `json:"filePattern"`
	StagingTable  string          `json:"stagingTable"`
	SnapshotTable string          `json:"snapshotTable"`
	PrimaryKey    []string        `json:"pkColumns"`
	Columns       []string        `json:"businessColumns"`
	Enabled       bool            `json:"enabled"`
}

// runFeedView is a feed audit record with its stored delta events counted by op.
type runFeedView struct {
	domain.FeedRunRecord
	OpCounts map[domain.DeltaOp]int64 `json:"opCounts,omitempty"`
}

func (s *Server) listFeeds(w http.ResponseWriter, _ *http.Request) {
	enabled := make(map[domain.FeedName]bool)
	for _, name := range s.enabledFeeds {
		enabled[name] = true
	}
	schemas := s.registry.All()
	out := make([]feedView, len(schemas))
	for i, schema := range schemas {
		out[i] = feedView{
			Name:          schema.Name,
			FilePattern:   schema.FilePattern,
			StagingTable:  schema.StagingTable,
			SnapshotTable: schema.SnapshotTable,
			PrimaryKey:    schema.PrimaryKey,
			Columns:       schema.Columns,
			Enabled:       enabled[schema.Name],
		}
	}
	httpjson.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	filter, err := parseRunFilter(r)
	if err != nil {
		httpjson.WriteError(w, err)
		return
	}
	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		httpjson.WriteError(w, err)
		return
	}
	if runs == nil {
		runs = []domain.IngestionRun{}
	}
	httpjson.WriteJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := runIDFromPath(r)
	if err != nil {
		httpjson.WriteError(w, err)
		return
	}
	run, err := s.runs.GetRun(r.Context(), id)
	if err != nil {
		httpjson.WriteError(w, err)
		return
	}
	httpjson.WriteJSON(w, http.StatusOK, run)
}

func (s *Server) listRunFeeds(w http.ResponseWriter, r *http.Request) {
	id, err := runIDFromPath(r)
	if err != nil {
		httpjson.WriteError(w, err)
		return
	}
	if _, err := s.runs.GetRun(r.Context(), id); err != nil {
		httpjson.WriteError(w, err)
		return
	}
	feeds, err := s.runs.ListRunFeeds(r.Context(), id)
	if err != nil {
		httpjson.WriteError(w, err)
		return
	}
	out := make([]runFeedView, len(feeds))
	for i, rec := range feeds {
		out[i].FeedRunRecord = rec
		if s.deltas == nil || rec.Status != domain.StatusSuccess {
			continue
		}
		counts, err := s.deltas.CountByOp(r.Context(), id, rec.FeedName)
		if err != nil {
			httpjson.WriteError(w, err)
			return
		}
		out[i].OpCounts = counts
	}
	httpjson.WriteJSON(w, http.StatusOK, out)
}

func runIDFromPath(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("runId")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid run id %q", domain.ErrInvalidInput, raw)
	}
	return id, nil
}

func parseRunFilter(r *http.Request) (domain.RunFilter, error) {
	q := r.URL.Query()
	var filter domain.RunFilter
	for key, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		day, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return domain.RunFilter{}, fmt.Errorf("%w: %s must be YYYY-MM-DD: %q", domain.ErrInvalidInput, key, raw)
		}
		*dst = &day
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return domain.RunFilter{}, fmt.Errorf("%w: limit must be an integer: %q", domain.ErrInvalidInput, raw)
		}
		filter.Limit = limit
	}
	return filter, nil
}
