package jobs

import "eventpulse/internal/types"

// Standard job types.
const (
	DailyUniqueVisitors = "DAILY_UNIQUE_VISITORS"
	DailyPageViews      = "DAILY_PAGE_VIEWS"
	DailyConversions    = "DAILY_CONVERSIONS"
	DailyBounceRate     = "DAILY_BOUNCE_RATE"
	DailyFunnel         = "DAILY_FUNNEL"
	DailyTopPages       = "DAILY_TOP_PAGES"
	DailyEventBreakdown = "DAILY_EVENT_BREAKDOWN"
	ActiveVisitors      = "ACTIVE_VISITORS"
	LiveEventRate       = "LIVE_EVENT_RATE"
)

// TopPagesLimit is how many paths DAILY_TOP_PAGES keeps.
const TopPagesLimit = 10

const windowFilter = `created_at >= @window_start AND created_at < @window_end`

func standardEntries() []Entry {
	return []Entry{
		{
			Descriptor: Descriptor{
				Type: DailyUniqueVisitors,
				Query: `SELECT COUNT(DISTINCT session_id)::bigint AS unique_visitors
				        FROM raw_events WHERE ` + windowFilter,
			},
			Process: processUniqueVisitors,
		},
		{
			Descriptor: Descriptor{
				Type: DailyPageViews,
				Query: `SELECT COUNT(*)::bigint AS page_views,
				               COUNT(DISTINCT session_id)::bigint AS sessions
				        FROM raw_events
				        WHERE type = @page_view AND ` + windowFilter,
				Params: map[string]any{"page_view": int16(types.EventPageView)},
			},
			Process: processPageViews,
		},
		{
			Descriptor: Descriptor{
				Type: DailyConversions,
				Query: `SELECT COUNT(*) FILTER (WHERE type = @conversion)::bigint AS conversions,
				               COUNT(DISTINCT session_id) FILTER (WHERE type = @conversion)::bigint AS converting_sessions,
				               COUNT(DISTINCT session_id)::bigint AS sessions
				        FROM raw_events WHERE ` + windowFilter,
				Params: map[string]any{"conversion": int16(types.EventConversion)},
			},
			Process: processConversions,
		},
		{
			Descriptor: Descriptor{
				Type: DailyBounceRate,
				Query: `WITH per_session AS (
				          SELECT session_id, COUNT(*) FILTER (WHERE type = @page_view) AS views
				          FROM raw_events WHERE ` + windowFilter + `
				          GROUP BY session_id
				        )
				        SELECT COUNT(*) FILTER (WHERE views > 0)::bigint AS sessions,
				               COUNT(*) FILTER (WHERE views = 1)::bigint AS bounced
				        FROM per_session`,
				Params: map[string]any{"page_view": int16(types.EventPageView)},
			},
			Process: processBounceRate,
		},
		{
			Descriptor: Descriptor{
				Type: DailyFunnel,
				Query: `SELECT COUNT(DISTINCT session_id) FILTER (WHERE type = @session_start)::bigint AS session_start,
				               COUNT(DISTINCT session_id) FILTER (WHERE type = @add_to_cart)::bigint AS add_to_cart,
				               COUNT(DISTINCT session_id) FILTER (WHERE type = @checkout)::bigint AS checkout,
				               COUNT(DISTINCT session_id) FILTER (WHERE type = @conversion)::bigint AS conversion
				        FROM raw_events WHERE ` + windowFilter,
				Params: map[string]any{
					"session_start": int16(types.EventSessionStart),
					"add_to_cart":   int16(types.EventAddToCart),
					"checkout":      int16(types.EventCheckout),
					"conversion":    int16(types.EventConversion),
				},
			},
			Process: processFunnel,
		},
		{
			Descriptor: Descriptor{
				Type: DailyTopPages,
				Query: `SELECT payload->>'path' AS path, COUNT(*)::bigint AS views
				        FROM raw_events
				        WHERE type = @page_view AND payload->>'path' IS NOT NULL AND ` + windowFilter + `
				        GROUP BY 1
				        ORDER BY views DESC, path
				        LIMIT @limit`,
				Params: map[string]any{"page_view": int16(types.EventPageView), "limit": TopPagesLimit},
			},
			Process: processTopPages,
		},
		{
			Descriptor: Descriptor{
				Type: DailyEventBreakdown,
				Query: `SELECT type::int AS type, COUNT(*)::bigint AS events
				        FROM raw_events WHERE ` + windowFilter + `
				        GROUP BY type
				        ORDER BY type`,
			},
			Process: processEventBreakdown,
		},
		{
			Descriptor: Descriptor{
				Type: ActiveVisitors,
				Query: `SELECT COUNT(DISTINCT session_id)::bigint AS active_visitors,
				               EXTRACT(EPOCH FROM (@window_end::timestamptz - @window_start::timestamptz))::bigint AS window_seconds
				        FROM raw_events WHERE ` + windowFilter,
				NearRealTime: true,
			},
			Process: processActiveVisitors,
		},
		{
			Descriptor: Descriptor{
				Type: LiveEventRate,
				Query: `SELECT COUNT(*)::bigint AS events,
				               EXTRACT(EPOCH FROM (@window_end::timestamptz - @window_start::timestamptz))::bigint AS window_seconds
				        FROM raw_events WHERE ` + windowFilter,
				NearRealTime: true,
			},
			Process: processLiveEventRate,
		},
	}
}
