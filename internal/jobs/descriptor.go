// Package jobs holds the aggregation catalog: one declarative descriptor per
// metric plus the deterministic processor that turns the descriptor's query
// rows into the stored JSON snapshot. Nothing here performs I/O.
package jobs

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/jackc/pgx/v5"
)

// Row is one query result row keyed by column name.
type Row = map[string]any

// Processor reduces a job's rows for the period starting at date into the
// JSON stored in aggregated_metrics.data. It must be deterministic.
type Processor func(rows []Row, date time.Time) (json.RawMessage, error)

// Descriptor is the declarative half of a job. Query is SQL with pgx named
// placeholders; @window_start and @window_end are always bound, the
// remaining placeholders come from Params.
type Descriptor struct {
	Type         string         `json:"type"`
	Query        string         `json:"query"`
	Params       map[string]any `json:"params,omitempty"`
	NearRealTime bool           `json:"near_real_time"`
}

// Task is the unit handed to a worker. It is plain data so it can be queued,
// logged or shipped across a process boundary.
type Task struct {
	JobType     string         `json:"job_type"`
	Query       string         `json:"query"`
	Params      map[string]any `json:"params,omitempty"`
	Date        time.Time      `json:"date"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
}

// Task binds the descriptor to the half-open window [windowStart, windowEnd).
func (d Descriptor) Task(windowStart, windowEnd time.Time) Task {
	return Task{
		JobType:     d.Type,
		Query:       d.Query,
		Params:      maps.Clone(d.Params),
		Date:        windowStart.UTC(),
		WindowStart: windowStart.UTC(),
		WindowEnd:   windowEnd.UTC(),
	}
}

// NamedArgs returns the query arguments. Window bounds override any
// same-named descriptor parameter.
func (t Task) NamedArgs() pgx.NamedArgs {
	args := make(pgx.NamedArgs, len(t.Params)+2)
	for k, v := range t.Params {
		args[k] = v
	}
	args["window_start"] = t.WindowStart
	args["window_end"] = t.WindowEnd
	return args
}
