package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"eventpulse/internal/core"
	"eventpulse/internal/types"
)

// MetricLister pages aggregated metrics. *db.MetricRepository satisfies it.
// It returns up to ClampPageSize(Limit)+1 rows, newest first.
type MetricLister interface {
	List(ctx context.Context, f types.MetricFilter) ([]types.AggregatedMetric, error)
}

// JobTypeChecker reports whether a job type exists. *jobs.Catalog's Lookup
// is adapted to it by the caller.
type JobTypeChecker func(jobType string) bool

// MetricsHandler serves GET /v1/metrics.
type MetricsHandler struct {
	repo   MetricLister
	known  JobTypeChecker
	logger *slog.Logger
}

// NewMetricsHandler creates a MetricsHandler. A nil known accepts any type.
func NewMetricsHandler(repo MetricLister, known JobTypeChecker, l *slog.Logger) *MetricsHandler {
	if l == nil {
		l = slog.Default()
	}
	return &MetricsHandler{repo: repo, known: known, logger: l}
}

func (h *MetricsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/metrics", h.List)
}

// List handles GET /v1/metrics?type=&from=&to=&limit=&cursor=.
// from and to are RFC3339 and bound created_at as [from, to).
func (h *MetricsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := h.parseFilter(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	rows, err := h.repo.List(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list metrics", "error", err, "type", filter.JobType)
		core.Error(w, r, err)
		return
	}

	limit := types.ClampPageSize(filter.Limit)
	page := types.PageInfo{}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
		last := rows[len(rows)-1]
		page.NextCursor = types.KeysetCursor{CreatedAt: last.CreatedAt, ID: last.ID}.String()
	}
	if rows == nil {
		rows = []types.AggregatedMetric{}
	}

	core.JSON(w, r, http.StatusOK, types.ListResponse[types.AggregatedMetric]{
		Data:     rows,
		PageInfo: page,
	})
}

func (h *MetricsHandler) parseFilter(r *http.Request) (types.MetricFilter, error) {
	q := r.URL.Query()
	f := types.MetricFilter{
		JobType: q.Get("type"),
		Cursor:  q.Get("cursor"),
	}

	if f.JobType != "" && h.known != nil && !h.known(f.JobType) {
		return f, types.NewAppErrorWithDetails(types.ErrCodeValidationUnknownJobType,
			"unknown job type", nil, map[string]any{"type": f.JobType})
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > types.MaxPageSize {
			return f, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
				"limit must be a number between 1 and "+strconv.Itoa(types.MaxPageSize), err,
				map[string]any{"field": "limit"})
		}
		f.Limit = n
	}

	var err error
	if f.From, err = parseTimeParam(q.Get("from"), "from"); err != nil {
		return f, err
	}
	if f.To, err = parseTimeParam(q.Get("to"), "to"); err != nil {
		return f, err
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return f, types.NewAppError(types.ErrCodeValidationTimeRange, "from must be before to", nil)
	}

	if f.Cursor != "" {
		if _, err := types.ParseKeysetCursor(f.Cursor); err != nil {
			return f, err
		}
	}
	return f, nil
}

func parseTimeParam(v, name string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationTimeRange,
			name+" must be an RFC3339 timestamp", err, map[string]any{"field": name})
	}
	t = t.UTC()
	return &t, nil
}
