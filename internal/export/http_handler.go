package export

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/feeddelta/internal/domain"
	"github.com/rpattn/feeddelta/internal/httpjson"
)

type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHTTPHandler serves GET /api/delta?asOf=YYYY-MM-DD&feed=X[&runId=..][&format=csv|xlsx].
func NewHTTPHandler(service *Service, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpjson.WriteStatus(w, http.StatusMethodNotAllowed, "only GET is supported")
		return
	}
	req, err := parseRequest(r)
	if err != nil {
		httpjson.WriteError(w, err)
		return
	}
	runID, err := h.service.Resolve(r.Context(), req)
	if err != nil {
		httpjson.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", req.Format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, req.FileName()))
	w.Header().Set("X-Run-Id", runID.String())
	if _, err := h.service.Write(r.Context(), w, runID, req.Feed, req.Format); err != nil {
		// Headers are already sent; the truncated body is all the client gets.
		h.logger.Error("delta export failed",
			zap.String("run_id", runID.String()),
			zap.String("feed", string(req.Feed)),
			zap.Error(err),
		)
	}
}

func parseRequest(r *http.Request) (Request, error) {
	q := r.URL.Query()

	rawDate := strings.TrimSpace(q.Get("asOf"))
	if rawDate == "" {
		return Request{}, fmt.Errorf("%w: asOf is required", domain.ErrInvalidInput)
	}
	asOf, err := time.Parse(time.DateOnly, rawDate)
	if err != nil {
		return Request{}, fmt.Errorf("%w: asOf must be YYYY-MM-DD: %q", domain.ErrInvalidInput, rawDate)
	}

	req := Request{AsOf: asOf, Feed: domain.FeedLoanMaster}
	if f := strings.TrimSpace(q.Get("feed")); f != "" {
		req.Feed = domain.FeedName(strings.ToUpper(f))
	}
	if raw := strings.TrimSpace(q.Get("runId")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return Request{}, fmt.Errorf("%w: invalid runId %q", domain.ErrInvalidInput, raw)
		}
		req.RunID = id
	}
	if req.Format, err = ParseFormat(q.Get("format")); err != nil {
		return Request{}, err
	}
	return req, nil
}
