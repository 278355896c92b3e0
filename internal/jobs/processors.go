package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"eventpulse/internal/types"
)

// rateScale is the number of decimal places kept for ratios.
const rateScale = 4

const dayLayout = "2006-01-02"

type uniqueVisitorsSnapshot struct {
	Date           string `json:"date"`
	UniqueVisitors int64  `json:"unique_visitors"`
}

type pageViewsSnapshot struct {
	Date            string          `json:"date"`
	PageViews       int64           `json:"page_views"`
	Sessions        int64           `json:"sessions"`
	ViewsPerSession decimal.Decimal `json:"views_per_session"`
}

type conversionsSnapshot struct {
	Date               string          `json:"date"`
	Conversions        int64           `json:"conversions"`
	ConvertingSessions int64           `json:"converting_sessions"`
	Sessions           int64           `json:"sessions"`
	ConversionRate     decimal.Decimal `json:"conversion_rate"`
}

type bounceSnapshot struct {
	Date       string          `json:"date"`
	Sessions   int64           `json:"sessions"`
	Bounced    int64           `json:"bounced"`
	BounceRate decimal.Decimal `json:"bounce_rate"`
}

type funnelStep struct {
	Step     string          `json:"step"`
	Sessions int64           `json:"sessions"`
	StepRate decimal.Decimal `json:"step_rate"`
}

type funnelSnapshot struct {
	Date        string          `json:"date"`
	Steps       []funnelStep    `json:"steps"`
	OverallRate decimal.Decimal `json:"overall_rate"`
}

type pageCount struct {
	Path  string `json:"path"`
	Views int64  `json:"views"`
}

type topPagesSnapshot struct {
	Date  string      `json:"date"`
	Pages []pageCount `json:"pages"`
}

type breakdownSnapshot struct {
	Date   string           `json:"date"`
	Total  int64            `json:"total"`
	ByKind map[string]int64 `json:"by_kind"`
}

type activeVisitorsSnapshot struct {
	WindowStart    time.Time `json:"window_start"`
	WindowSeconds  int64     `json:"window_seconds"`
	ActiveVisitors int64     `json:"active_visitors"`
}

type eventRateSnapshot struct {
	WindowStart     time.Time       `json:"window_start"`
	WindowSeconds   int64           `json:"window_seconds"`
	Events          int64           `json:"events"`
	EventsPerMinute decimal.Decimal `json:"events_per_minute"`
}

func processUniqueVisitors(rows []Row, date time.Time) (json.RawMessage, error) {
	row := firstRow(rows)
	visitors, err := intColumn(row, "unique_visitors")
	if err != nil {
		return nil, err
	}
	return json.Marshal(uniqueVisitorsSnapshot{Date: date.Format(dayLayout), UniqueVisitors: visitors})
}

func processPageViews(rows []Row, date time.Time) (json.RawMessage, error) {
	row := firstRow(rows)
	views, err := intColumn(row, "page_views")
	if err != nil {
		return nil, err
	}
	sessions, err := intColumn(row, "sessions")
	if err != nil {
		return nil, err
	}
	return json.Marshal(pageViewsSnapshot{
		Date:            date.Format(dayLayout),
		PageViews:       views,
		Sessions:        sessions,
		ViewsPerSession: ratio(views, sessions),
	})
}

func processConversions(rows []Row, date time.Time) (json.RawMessage, error) {
	row := firstRow(rows)
	conversions, err := intColumn(row, "conversions")
	if err != nil {
		return nil, err
	}
	converting, err := intColumn(row, "converting_sessions")
	if err != nil {
		return nil, err
	}
	sessions, err := intColumn(row, "sessions")
	if err != nil {
		return nil, err
	}
	return json.Marshal(conversionsSnapshot{
		Date:               date.Format(dayLayout),
		Conversions:        conversions,
		ConvertingSessions: converting,
		Sessions:           sessions,
		ConversionRate:     ratio(converting, sessions),
	})
}

func processBounceRate(rows []Row, date time.Time) (json.RawMessage, error) {
	row := firstRow(rows)
	sessions, err := intColumn(row, "sessions")
	if err != nil {
		return nil, err
	}
	bounced, err := intColumn(row, "bounced")
	if err != nil {
		return nil, err
	}
	return json.Marshal(bounceSnapshot{
		Date:       date.Format(dayLayout),
		Sessions:   sessions,
		Bounced:    bounced,
		BounceRate: ratio(bounced, sessions),
	})
}

// funnelOrder is the step order of DAILY_FUNNEL; each step's rate is
// relative to the step before it.
var funnelOrder = []string{"session_start", "add_to_cart", "checkout", "conversion"}

func processFunnel(rows []Row, date time.Time) (json.RawMessage, error) {
	row := firstRow(rows)
	snap := funnelSnapshot{Date: date.Format(dayLayout), Steps: make([]funnelStep, 0, len(funnelOrder))}

	var first, prev int64
	for i, step := range funnelOrder {
		n, err := intColumn(row, step)
		if err != nil {
			return nil, err
		}
		rate := decimal.NewFromInt(1)
		if i == 0 {
			first = n
		} else {
			rate = ratio(n, prev)
		}
		snap.Steps = append(snap.Steps, funnelStep{Step: step, Sessions: n, StepRate: rate})
		prev = n
	}
	snap.OverallRate = ratio(prev, first)
	return json.Marshal(snap)
}

func processTopPages(rows []Row, date time.Time) (json.RawMessage, error) {
	snap := topPagesSnapshot{Date: date.Format(dayLayout), Pages: make([]pageCount, 0, len(rows))}
	for _, row := range rows {
		path, ok := row["path"].(string)
		if !ok {
			return nil, fmt.Errorf("column path: unexpected type %T", row["path"])
		}
		views, err := intColumn(row, "views")
		if err != nil {
			return nil, err
		}
		snap.Pages = append(snap.Pages, pageCount{Path: path, Views: views})
		if len(snap.Pages) == TopPagesLimit {
			break
		}
	}
	return json.Marshal(snap)
}

func processEventBreakdown(rows []Row, date time.Time) (json.RawMessage, error) {
	snap := breakdownSnapshot{Date: date.Format(dayLayout), ByKind: make(map[string]int64, int(types.MaxEventKind))}
	for _, k := range types.EventKinds() {
		snap.ByKind[k.String()] = 0
	}
	for _, row := range rows {
		kind, err := intColumn(row, "type")
		if err != nil {
			return nil, err
		}
		n, err := intColumn(row, "events")
		if err != nil {
			return nil, err
		}
		snap.ByKind[types.EventKind(kind).String()] += n
		snap.Total += n
	}
	return json.Marshal(snap)
}

func processActiveVisitors(rows []Row, date time.Time) (json.RawMessage, error) {
	row := firstRow(rows)
	active, err := intColumn(row, "active_visitors")
	if err != nil {
		return nil, err
	}
	seconds, err := intColumn(row, "window_seconds")
	if err != nil {
		return nil, err
	}
	return json.Marshal(activeVisitorsSnapshot{WindowStart: date.UTC(), WindowSeconds: seconds, ActiveVisitors: active})
}

func processLiveEventRate(rows []Row, date time.Time) (json.RawMessage, error) {
	row := firstRow(rows)
	events, err := intColumn(row, "events")
	if err != nil {
		return nil, err
	}
	seconds, err := intColumn(row, "window_seconds")
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventRateSnapshot{
		WindowStart:     date.UTC(),
		WindowSeconds:   seconds,
		Events:          events,
		EventsPerMinute: ratio(events*60, seconds),
	})
}

// ratio returns num/den rounded to rateScale places, or zero when den is 0.
func ratio(num, den int64) decimal.Decimal {
	if den == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(num).DivRound(decimal.NewFromInt(den), rateScale)
}

func firstRow(rows []Row) Row {
	if len(rows) == 0 {
		return Row{}
	}
	return rows[0]
}

// intColumn reads an integer column. A missing or NULL column is 0.
func intColumn(row Row, name string) (int64, error) {
	switch v := row[name].(type) {
	case nil:
		return 0, nil
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("column %s: unexpected type %T", name, v)
	}
}
