package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/feeddelta/internal/domain"
	"github.com/rpattn/feeddelta/internal/feed"
	"github.com/rpattn/feeddelta/internal/httpjson"
)

type stubRuns struct {
	runs       map[uuid.UUID]domain.IngestionRun
	feeds      map[uuid.UUID][]domain.FeedRunRecord
	lastFilter domain.RunFilter
	err        error
}

func (s *stubRuns) ListRuns(_ context.Context, filter domain.RunFilter) ([]domain.IngestionRun, error) {
	s.lastFilter = filter
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.IngestionRun
	for _, run := range s.runs {
		out = append(out, run)
	}
	return out, nil
}

func (s *stubRuns) GetRun(_ context.Context, id uuid.UUID) (domain.IngestionRun, error) {
	run, ok := s.runs[id]
	if !ok {
		return domain.IngestionRun{}, fmt.Errorf("%w: run %s", domain.ErrNotFound, id)
	}
	return run, nil
}

func (s *stubRuns) ListRunFeeds(_ context.Context, id uuid.UUID) ([]domain.FeedRunRecord, error) {
	return s.feeds[id], nil
}

func (s *stubRuns) FindLatestSuccessfulRun(context.Context, time.Time) (uuid.UUID, error) {
	return uuid.Nil, domain.ErrNotFound
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func newTestHandler(runs *stubRuns, db Pinger) http.Handler {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	return NewHandler(Deps{
		Registry:     feed.Default(),
		EnabledFeeds: []domain.FeedName{domain.FeedLoanMaster},
		Runs:         runs,
		Ingest:       ok,
		Delta:        ok,
		DB:           db,
	})
}

func serve(h http.Handler, method, url string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, url, nil))
	return rec
}

func TestListFeeds(t *testing.T) {
	rec := serve(newTestHandler(&stubRuns{}, nil), http.MethodGet, "/api/admin/feeds")
	require.Equal(t, http.StatusOK, rec.Code)

	var feeds []feedView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &feeds))
	require.Len(t, feeds, len(feed.Catalog()))
	assert.Equal(t, domain.FeedLoanMaster, feeds[0].Name)
	assert.True(t, feeds[0].Enabled)
	assert.False(t, feeds[1].Enabled)
	assert.Equal(t, []string{"loan_id"}, feeds[0].PrimaryKey)
}

func TestRunEndpoints(t *testing.T) {
	runID := uuid.New()
	asOf := time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC)
	runs := &stubRuns{
		runs: map[uuid.UUID]domain.IngestionRun{runID: {ID: runID, AsOfDate: asOf, Status: domain.StatusSuccess}},
		feeds: map[uuid.UUID][]domain.FeedRunRecord{runID: {
			{RunID: runID, FeedName: domain.FeedLoanMaster, Status: domain.StatusSuccess},
		}},
	}
	h := newTestHandler(runs, nil)

	rec := serve(h, http.MethodGet, "/api/admin/runs/"+runID.String())
	require.Equal(t, http.StatusOK, rec.Code)
	var run domain.IngestionRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, runID, run.ID)

	rec = serve(h, http.MethodGet, "/api/admin/runs/"+runID.String()+"/feeds")
	require.Equal(t, http.StatusOK, rec.Code)
	var feeds []domain.FeedRunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &feeds))
	require.Len(t, feeds, 1)
	assert.Equal(t, domain.FeedLoanMaster, feeds[0].FeedName)

	rec = serve(h, http.MethodGet, "/api/admin/runs?from=2026-01-01&to=2026-01-31&limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, runs.lastFilter.From)
	assert.Equal(t, "2026-01-01", runs.lastFilter.From.Format(time.DateOnly))
	assert.Equal(t, "2026-01-31", runs.lastFilter.To.Format(time.DateOnly))
	assert.Equal(t, 10, runs.lastFilter.Limit)
}

type stubDeltas struct {
	counts map[domain.FeedName]map[domain.DeltaOp]int64
	asked  []domain.FeedName
}

func (s *stubDeltas) CountByOp(_ context.Context, _ uuid.UUID, feed domain.FeedName) (map[domain.DeltaOp]int64, error) {
	s.asked = append(s.asked, feed)
	return s.counts[feed], nil
}

func TestRunFeedsIncludeOpCounts(t *testing.T) {
	runID := uuid.New()
	runs := &stubRuns{
		runs: map[uuid.UUID]domain.IngestionRun{runID: {ID: runID, Status: domain.StatusFailed}},
		feeds: map[uuid.UUID][]domain.FeedRunRecord{runID: {
			{RunID: runID, FeedName: domain.FeedLoanMaster, Status: domain.StatusSuccess},
			{RunID: runID, FeedName: domain.FeedPaymentTransaction, Status: domain.StatusFailed},
		}},
	}
	deltas := &stubDeltas{counts: map[domain.FeedName]map[domain.DeltaOp]int64{
		domain.FeedLoanMaster: {domain.OpInsert: 1, domain.OpUpdate: 2},
	}}
	h := NewHandler(Deps{Registry: feed.Default(), Runs: runs, Deltas: deltas})

	rec := serve(h, http.MethodGet, "/api/admin/runs/"+runID.String()+"/feeds")
	require.Equal(t, http.StatusOK, rec.Code)

	var body []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 2)
	assert.Equal(t, "LOAN_MASTER", body[0]["feedName"])
	assert.Equal(t, map[string]any{"I": float64(1), "U": float64(2)}, body[0]["opCounts"])
	assert.NotContains(t, body[1], "opCounts")
	assert.Equal(t, []domain.FeedName{domain.FeedLoanMaster}, deltas.asked)
}

func TestRunEndpointErrors(t *testing.T) {
	h := newTestHandler(&stubRuns{err: errors.New("connection refused")}, nil)

	cases := map[string]struct {
		url  string
		want int
	}{
		"unknown run":       {"/api/admin/runs/" + uuid.NewString(), http.StatusNotFound},
		"unknown run feeds": {"/api/admin/runs/" + uuid.NewString() + "/feeds", http.StatusNotFound},
		"malformed run id":  {"/api/admin/runs/abc", http.StatusBadRequest},
		"bad from":          {"/api/admin/runs?from=jan", http.StatusBadRequest},
		"bad limit":         {"/api/admin/runs?limit=ten", http.StatusBadRequest},
		"store failure":     {"/api/admin/runs", http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := serve(h, http.MethodGet, tc.url)
			assert.Equal(t, tc.want, rec.Code)

			var body httpjson.ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.want, body.Status)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestRoutesDelegate(t *testing.T) {
	h := newTestHandler(&stubRuns{}, nil)

	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "/api/admin/ingest?asOf=2026-01-17").Code)
	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodGet, "/api/delta?asOf=2026-01-17").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodGet, "/api/admin/ingest").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/metrics").Code)
}

func TestHealth(t *testing.T) {
	assert.Equal(t, http.StatusOK, serve(newTestHandler(&stubRuns{}, pinger{}), http.MethodGet, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable,
		serve(newTestHandler(&stubRuns{}, pinger{err: errors.New("down")}), http.MethodGet, "/healthz").Code)
}
