package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"eventpulse/internal/types"
)

// EventWriter persists raw events. *db.EventRepository satisfies it.
type EventWriter interface {
	// SQL: INSERT INTO raw_events (...) SELECT ... FROM unnest(...)
	InsertBatch(ctx context.Context, events []types.RawEvent) (int64, error)
}

// StructValidator validates tagged structs. *core.Validator satisfies it.
type StructValidator interface {
	ValidateStruct(v any) error
}

// Rejection reports why one envelope of a batch was dropped.
type Rejection struct {
	Index   int             `json:"index"`
	Code    types.ErrorCode `json:"code"`
	Message string          `json:"message"`
}

// Result is the ingestion response body.
type Result struct {
	Accepted  int         `json:"accepted"`
	Rejected  []Rejection `json:"rejected"`
	SessionID string      `json:"session_id"`
}

// Service opens, validates and stores event batches.
type Service struct {
	opener    *Opener
	writer    EventWriter
	validator StructValidator
	maxBatch  int
	logger    *slog.Logger
}

// NewService creates a Service. maxBatch <= 0 means 500.
func NewService(opener *Opener, writer EventWriter, validator StructValidator, maxBatch int, logger *slog.Logger) *Service {
	if maxBatch <= 0 {
		maxBatch = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{opener: opener, writer: writer, validator: validator, maxBatch: maxBatch, logger: logger}
}

// Ingest stores every valid event of batch stamped with meta. Invalid items
// are reported in the result; only an oversized or empty batch, or a store
// failure, is an error.
func (s *Service) Ingest(ctx context.Context, batch Batch, meta types.RequestMeta) (Result, error) {
	res := Result{Rejected: []Rejection{}, SessionID: meta.SessionID}

	if len(batch.Envelopes) == 0 {
		return res, types.NewAppError(types.ErrCodeValidationMissingField, "envelopes must not be empty", nil)
	}
	if len(batch.Envelopes) > s.maxBatch {
		return res, types.NewAppErrorWithDetails(types.ErrCodeValidationBatchSize,
			fmt.Sprintf("batch of %d exceeds the limit of %d", len(batch.Envelopes), s.maxBatch), nil,
			map[string]any{"max_batch": s.maxBatch})
	}

	events := make([]types.RawEvent, 0, len(batch.Envelopes))
	for i, env := range batch.Envelopes {
		ev, err := s.open(env)
		if err != nil {
			res.Rejected = append(res.Rejected, rejection(i, err))
			continue
		}
		events = append(events, types.RawEvent{
			Type:      ev.Type,
			Payload:   ev.Data,
			SessionID: meta.SessionID,
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
			CreatedAt: meta.ReceivedAt,
		})
	}

	if len(events) > 0 {
		n, err := s.writer.InsertBatch(ctx, events)
		if err != nil {
			return res, err
		}
		res.Accepted = int(n)
	}

	if len(res.Rejected) > 0 {
		s.logger.WarnContext(ctx, "ingest batch had rejected events",
			"session_id", meta.SessionID,
			"accepted", res.Accepted,
			"rejected", len(res.Rejected),
		)
	}
	return res, nil
}

func (s *Service) open(env Envelope) (types.IncomingEvent, error) {
	ev, err := s.opener.Open(env)
	if err != nil {
		return ev, err
	}
	if err := s.validator.ValidateStruct(ev); err != nil {
		return ev, err
	}
	payload, err := withOccurredAt(ev)
	if err != nil {
		return ev, err
	}
	if err := storable(payload); err != nil {
		return ev, err
	}
	ev.Data = payload
	return ev, nil
}

// storable rejects JSON that parses in Go but that a jsonb column refuses:
// invalid UTF-8 and the \u0000 escape. One such event would otherwise fail
// the whole batch insert.
func storable(data []byte) error {
	if !utf8.Valid(data) {
		return types.NewAppError(types.ErrCodeValidationInvalidEvent, "data must be valid UTF-8", nil)
	}
	if hasNULEscape(data) {
		return types.NewAppError(types.ErrCodeValidationInvalidEvent, `data must not contain \u0000`, nil)
	}
	return nil
}

// hasNULEscape reports whether data holds a \u0000 escape. An escaped
// backslash followed by "u0000" is plain text and does not count.
func hasNULEscape(data []byte) bool {
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' {
			continue
		}
		if i+5 < len(data) && data[i+1] == 'u' && string(data[i+2:i+6]) == "0000" {
			return true
		}
		i++
	}
	return false
}

// withOccurredAt requires data to be a JSON object and copies the client
// timestamp into it, since created_at is the server receive time.
func withOccurredAt(ev types.IncomingEvent) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(ev.Data, &obj); err != nil || obj == nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidEvent, "data must be a JSON object", err)
	}
	if ev.OccurredAt == nil {
		return ev.Data, nil
	}
	ts, err := json.Marshal(ev.OccurredAt.UTC())
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidEvent, "invalid occurred_at", err)
	}
	obj["occurred_at"] = ts
	return json.Marshal(obj)
}

func rejection(i int, err error) Rejection {
	code := types.CodeOf(err)
	msg := "invalid event"
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	if code == "" {
		code = types.ErrCodeValidationInvalidEvent
	}
	return Rejection{Index: i, Code: code, Message: msg}
}
