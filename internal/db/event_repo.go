package db

import (
	"context"
	"encoding/json"
	"time"

	"eventpulse/internal/types"
)

// EventRepository provides data access for raw_events.
type EventRepository struct {
	db DBTX
}

func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

// InsertBatch writes all events in a single statement so a batch is stored
// entirely or not at all. Columns travel as parallel arrays:
//
//	INSERT INTO raw_events (...) SELECT ... FROM unnest($1::smallint[], $2::text[], ...)
func (r *EventRepository) InsertBatch(ctx context.Context, events []types.RawEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	kinds := make([]int16, len(events))
	payloads := make([]string, len(events))
	sessions := make([]string, len(events))
	ips := make([]string, len(events))
	agents := make([]string, len(events))
	created := make([]time.Time, len(events))

	for i, e := range events {
		kinds[i] = int16(e.Type)
		payloads[i] = string(e.Payload)
		if len(e.Payload) == 0 {
			payloads[i] = "{}"
		}
		sessions[i] = e.SessionID
		ips[i] = e.IPAddress
		agents[i] = e.UserAgent
		created[i] = e.CreatedAt.UTC()
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO raw_events (type, payload, session_id, ip_address, user_agent, created_at)
		 SELECT k, p::jsonb, s, i, a, c
		 FROM unnest($1::smallint[], $2::text[], $3::text[], $4::text[], $5::text[], $6::timestamptz[])
		   AS u(k, p, s, i, a, c)`,
		kinds,
		payloads,
		sessions,
		ips,
		agents,
		created,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalPersistence, "failed to insert events", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOlderThan removes every event created strictly before cutoff.
func (r *EventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM raw_events WHERE created_at < $1`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete raw events", err)
	}
	return tag.RowsAffected(), nil
}

// ListOlderThan pages through events created before cutoff in id order.
// Pass the last id of the previous page as afterID, or 0 to start.
func (r *EventRepository) ListOlderThan(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]types.RawEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, type, payload, session_id, ip_address, user_agent, created_at
		 FROM raw_events
		 WHERE created_at < $1 AND id > $2
		 ORDER BY id
		 LIMIT $3`,
		cutoff.UTC(),
		afterID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list raw events", err)
	}
	defer rows.Close()

	var out []types.RawEvent
	for rows.Next() {
		var e types.RawEvent
		var kind int16
		var payload []byte
		if err := rows.Scan(&e.ID, &kind, &payload, &e.SessionID, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan raw event", err)
		}
		e.Type = types.EventKind(kind)
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating raw events", err)
	}
	return out, nil
}

// DeleteByIDs removes the given events.
func (r *EventRepository) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM raw_events WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete archived raw events", err)
	}
	return tag.RowsAffected(), nil
}
