package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"eventpulse/internal/types"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) InsertBatch(ctx context.Context, events []types.RawEvent) (int64, error) {
	args := m.Called(ctx, events)
	return args.Get(0).(int64), args.Error(1)
}

// kindValidator accepts known kinds only, standing in for the HTTP layer's
// tag validator.
type kindValidator struct{}

func (kindValidator) ValidateStruct(v any) error {
	ev := v.(types.IncomingEvent)
	if !ev.Type.Valid() {
		return types.NewAppError(types.ErrCodeValidationInvalidEventKind, "type must be an event kind between 1 and 11", nil)
	}
	return nil
}

var receivedAt = time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)

func testMeta() types.RequestMeta {
	return types.RequestMeta{
		SessionID:  "sess-1",
		IPAddress:  "203.0.113.5",
		UserAgent:  "Mozilla/5.0",
		ReceivedAt: receivedAt,
	}
}

func newTestService(t *testing.T, w EventWriter, maxBatch int) *Service {
	t.Helper()
	opener, err := NewOpener(testKey)
	require.NoError(t, err)
	return NewService(opener, w, kindValidator{}, maxBatch, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestIngest_StoresValidEvents(t *testing.T) {
	w := new(mockWriter)
	svc := newTestService(t, w, 10)

	batch := Batch{Envelopes: []Envelope{
		seal(t, `{"type":1,"data":{"path":"/"}}`, false),
		seal(t, `{"type":5,"data":{"value":"19.99"},"occurred_at":"2026-03-10T08:29:58Z"}`, true),
	}}

	w.On("InsertBatch", mock.Anything, mock.MatchedBy(func(events []types.RawEvent) bool {
		if len(events) != 2 {
			return false
		}
		for _, ev := range events {
			if ev.SessionID != "sess-1" || ev.IPAddress != "203.0.113.5" || !ev.CreatedAt.Equal(receivedAt) {
				return false
			}
		}
		var second map[string]string
		if err := json.Unmarshal(events[1].Payload, &second); err != nil {
			return false
		}
		return events[0].Type == types.EventPageView &&
			events[1].Type == types.EventConversion &&
			second["occurred_at"] == "2026-03-10T08:29:58Z" &&
			second["value"] == "19.99"
	})).Return(int64(2), nil)

	res, err := svc.Ingest(context.Background(), batch, testMeta())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accepted)
	assert.Empty(t, res.Rejected)
	assert.Equal(t, "sess-1", res.SessionID)
	w.AssertExpectations(t)
}

func TestIngest_PartialRejection(t *testing.T) {
	w := new(mockWriter)
	svc := newTestService(t, w, 10)

	tampered := seal(t, `{"type":1,"data":{}}`, false)
	tampered.Nonce = seal(t, `{}`, false).Nonce

	batch := Batch{Envelopes: []Envelope{
		seal(t, `{"type":1,"data":{}}`, false),
		tampered,
		seal(t, `{"type":42,"data":{}}`, false),
		seal(t, `{"type":3,"data":[1,2,3]}`, false),
	}}

	w.On("InsertBatch", mock.Anything, mock.MatchedBy(func(events []types.RawEvent) bool {
		return len(events) == 1
	})).Return(int64(1), nil)

	res, err := svc.Ingest(context.Background(), batch, testMeta())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	require.Len(t, res.Rejected, 3)

	assert.Equal(t, 1, res.Rejected[0].Index)
	assert.Equal(t, types.ErrCodeValidationInvalidEnvelope, res.Rejected[0].Code)
	assert.Equal(t, 2, res.Rejected[1].Index)
	assert.Equal(t, types.ErrCodeValidationInvalidEventKind, res.Rejected[1].Code)
	assert.Equal(t, 3, res.Rejected[2].Index)
	assert.Equal(t, types.ErrCodeValidationInvalidEvent, res.Rejected[2].Code)
}

func TestIngest_RejectsPayloadsJSONBRefuses(t *testing.T) {
	w := new(mockWriter)
	svc := newTestService(t, w, 10)

	batch := Batch{Envelopes: []Envelope{
		seal(t, `{"type":1,"data":{"q":"ok"}}`, false),
		seal(t, `{"type":1,"data":{"q":"\u0000"}}`, false),
		seal(t, "{\"type\":1,\"data\":{\"q\":\"\xff\xfe\"}}", false),
		seal(t, `{"type":1,"data":{"q":"a\u0000"},"occurred_at":"2026-03-10T08:29:58Z"}`, false),
	}}

	w.On("InsertBatch", mock.Anything, mock.MatchedBy(func(events []types.RawEvent) bool {
		return len(events) == 1 && string(events[0].Payload) == `{"q":"ok"}`
	})).Return(int64(1), nil)

	res, err := svc.Ingest(context.Background(), batch, testMeta())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	require.Len(t, res.Rejected, 3)
	for i, r := range res.Rejected {
		assert.Equal(t, i+1, r.Index)
		assert.Equal(t, types.ErrCodeValidationInvalidEvent, r.Code)
	}
	w.AssertExpectations(t)
}

func TestHasNULEscape(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{`{"q":"\u0000"}`, true},
		{`{"q":"x\u0000y"}`, true},
		{`{"q":"\\u0000"}`, false},
		{`{"q":"\\\u0000"}`, true},
		{`{"q":"\u00001"}`, true},
		{`{"q":"\u0001"}`, false},
		{`{"q":"u0000"}`, false},
		{`{"q":"\u000"}`, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hasNULEscape([]byte(tt.in)), tt.in)
	}
}

func TestIngest_AllRejectedSkipsWrite(t *testing.T) {
	w := new(mockWriter)
	svc := newTestService(t, w, 10)

	res, err := svc.Ingest(context.Background(), Batch{Envelopes: []Envelope{{Nonce: "x", Ciphertext: "y"}}}, testMeta())
	require.NoError(t, err)
	assert.Zero(t, res.Accepted)
	assert.Len(t, res.Rejected, 1)
	w.AssertNotCalled(t, "InsertBatch", mock.Anything, mock.Anything)
}

func TestIngest_BatchLimits(t *testing.T) {
	w := new(mockWriter)
	svc := newTestService(t, w, 2)

	_, err := svc.Ingest(context.Background(), Batch{}, testMeta())
	assert.Equal(t, types.ErrCodeValidationMissingField, types.CodeOf(err))

	env := seal(t, `{"type":1,"data":{}}`, false)
	_, err = svc.Ingest(context.Background(), Batch{Envelopes: []Envelope{env, env, env}}, testMeta())
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeValidationBatchSize, types.CodeOf(err))

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 2, appErr.Details["max_batch"])
	w.AssertNotCalled(t, "InsertBatch", mock.Anything, mock.Anything)
}

func TestIngest_StoreFailure(t *testing.T) {
	w := new(mockWriter)
	svc := newTestService(t, w, 10)

	storeErr := types.NewAppError(types.ErrCodeInternalDB, "insert failed", errors.New("conn reset"))
	w.On("InsertBatch", mock.Anything, mock.Anything).Return(int64(0), storeErr)

	_, err := svc.Ingest(context.Background(), Batch{Envelopes: []Envelope{seal(t, `{"type":1,"data":{}}`, false)}}, testMeta())
	assert.ErrorIs(t, err, storeErr)
}

func TestWithOccurredAt(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))

	out, err := withOccurredAt(types.IncomingEvent{Data: json.RawMessage(`{"a":1}`), OccurredAt: &ts})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"occurred_at":"2026-01-02T02:04:05Z"}`, string(out))

	out, err = withOccurredAt(types.IncomingEvent{Data: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))

	_, err = withOccurredAt(types.IncomingEvent{Data: json.RawMessage(`"text"`)})
	assert.Equal(t, types.ErrCodeValidationInvalidEvent, types.CodeOf(err))
}
