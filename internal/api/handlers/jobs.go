package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"eventpulse/internal/core"
	"eventpulse/internal/jobs"
	"eventpulse/internal/scheduler"
	"eventpulse/internal/types"
)

// WatermarkLister lists every watermark. *db.WatermarkRepository satisfies it.
type WatermarkLister interface {
	List(ctx context.Context) ([]types.JobWatermark, error)
}

// RunLister returns the latest run per job type. *db.JobRunRepository
// satisfies it.
type RunLister interface {
	LatestByJob(ctx context.Context) ([]types.JobRun, error)
}

// ScheduleSource reports each daily job's schedule. *scheduler.Scheduler
// satisfies it.
type ScheduleSource interface {
	Schedules(now time.Time) []scheduler.JobSchedule
}

// JobStatus is one row of GET /v1/jobs.
type JobStatus struct {
	JobType       string        `json:"job_type"`
	NearRealTime  bool          `json:"near_real_time"`
	Cadence       string        `json:"cadence"`
	StaggerOffset string        `json:"stagger_offset"`
	NextRun       *time.Time    `json:"next_run,omitempty"`
	Watermark     *time.Time    `json:"watermark,omitempty"`
	LastRun       *types.JobRun `json:"last_run,omitempty"`
}

// JobsHandler serves the job status endpoints.
type JobsHandler struct {
	catalog    *jobs.Catalog
	schedules  ScheduleSource
	watermarks WatermarkLister
	runs       RunLister
	clock      types.Clock
	logger     *slog.Logger
}

// NewJobsHandler creates a JobsHandler. schedules may be nil when the
// scheduler is disabled on this instance.
func NewJobsHandler(cat *jobs.Catalog, schedules ScheduleSource, wm WatermarkLister, runs RunLister, clock types.Clock, l *slog.Logger) *JobsHandler {
	if l == nil {
		l = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &JobsHandler{catalog: cat, schedules: schedules, watermarks: wm, runs: runs, clock: clock, logger: l}
}

func (h *JobsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/jobs", h.List)
	r.Get("/jobs/{type}", h.Get)
}

// List handles GET /v1/jobs.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.statuses(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]any{"data": statuses})
}

// Get handles GET /v1/jobs/{type}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobType := chi.URLParam(r, "type")
	if _, ok := h.catalog.Lookup(jobType); !ok {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeNotFoundJob,
			"job not found", nil, map[string]any{"type": jobType}))
		return
	}

	statuses, err := h.statuses(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	for _, s := range statuses {
		if s.JobType == jobType {
			core.JSON(w, r, http.StatusOK, s)
			return
		}
	}
	core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil))
}

func (h *JobsHandler) statuses(ctx context.Context) ([]JobStatus, error) {
	marks, err := h.watermarks.List(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list watermarks", "error", err)
		return nil, err
	}
	runs, err := h.runs.LatestByJob(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list latest runs", "error", err)
		return nil, err
	}

	markByType := make(map[string]time.Time, len(marks))
	for _, m := range marks {
		markByType[m.JobType] = m.LastProcessedDate
	}
	runByType := make(map[string]types.JobRun, len(runs))
	for _, run := range runs {
		runByType[run.JobType] = run
	}
	schedByType := map[string]scheduler.JobSchedule{}
	if h.schedules != nil {
		for _, s := range h.schedules.Schedules(h.clock.Now()) {
			schedByType[s.JobType] = s
		}
	}

	entries := h.catalog.All()
	out := make([]JobStatus, 0, len(entries))
	for _, e := range entries {
		st := JobStatus{JobType: e.Type, NearRealTime: e.NearRealTime, StaggerOffset: "0s"}
		if s, ok := schedByType[e.Type]; ok {
			st.Cadence = s.Cadence
			st.StaggerOffset = s.StaggerOffset.String()
			next := s.Next
			st.NextRun = &next
		}
		if m, ok := markByType[e.Type]; ok {
			st.Watermark = &m
		}
		if run, ok := runByType[e.Type]; ok {
			st.LastRun = &run
		}
		out = append(out, st)
	}
	return out, nil
}
