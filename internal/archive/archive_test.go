package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"eventpulse/internal/types"
)

type mockS3 struct {
	mock.Mock
	bodies map[string][]byte
}

func (m *mockS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, in)
	if args.Error(1) == nil {
		body, err := io.ReadAll(in.Body)
		if err != nil {
			return nil, err
		}
		if m.bodies == nil {
			m.bodies = map[string][]byte{}
		}
		m.bodies[*in.Key] = body
	}
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func (m *mockS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.HeadBucketOutput)
	return out, args.Error(1)
}

func sampleEvents() []types.RawEvent {
	created := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	return []types.RawEvent{
		{ID: 41, Type: types.EventPageView, Payload: json.RawMessage(`{"path":"/"}`), SessionID: "s1", CreatedAt: created},
		{ID: 42, Type: types.EventCheckout, Payload: json.RawMessage(`{"total":"12.50"}`), SessionID: "s1", CreatedAt: created.Add(time.Minute)},
	}
}

func newTestArchiver(client S3PutClient) *S3Archiver {
	a := NewS3Archiver(client, "archive-bucket", slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.newID = func() string { return "fixed-id" }
	return a
}

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("PST", -8*3600))
	assert.Equal(t, "raw_events/2026/03/02/abc.ndjson.zst", ObjectKey(at, "abc"))
}

func TestArchive_UploadsCompressedNDJSON(t *testing.T) {
	client := &mockS3{}
	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return *in.Bucket == "archive-bucket" &&
			*in.ContentEncoding == "zstd" &&
			in.Metadata["event-count"] == "2" &&
			in.Metadata["first-id"] == "41" &&
			in.Metadata["last-id"] == "42"
	})).Return(&s3.PutObjectOutput{}, nil)

	at := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	key, err := newTestArchiver(client).Archive(context.Background(), sampleEvents(), at)
	require.NoError(t, err)
	assert.Equal(t, "raw_events/2026/03/01/fixed-id.ndjson.zst", key)

	decoded, err := Decode(client.bodies[key])
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, int64(42), decoded[1].ID)
	assert.Equal(t, types.EventCheckout, decoded[1].Type)
	assert.JSONEq(t, `{"total":"12.50"}`, string(decoded[1].Payload))
	client.AssertExpectations(t)
}

func TestArchive_EmptyBatchIsNoop(t *testing.T) {
	client := &mockS3{}
	key, err := newTestArchiver(client).Archive(context.Background(), nil, time.Now())
	require.NoError(t, err)
	assert.Empty(t, key)
	client.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything)
}

func TestArchive_UploadFailure(t *testing.T) {
	client := &mockS3{}
	client.On("PutObject", mock.Anything, mock.Anything).Return(nil, errors.New("SlowDown"))

	_, err := newTestArchiver(client).Archive(context.Background(), sampleEvents(), time.Now())
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamStorage, types.CodeOf(err))
}

func TestHealthProbe(t *testing.T) {
	client := &mockS3{}
	client.On("HeadBucket", mock.Anything, mock.Anything).Return(&s3.HeadBucketOutput{}, nil).Once()
	client.On("HeadBucket", mock.Anything, mock.Anything).Return(nil, errors.New("NoSuchBucket")).Once()

	probe := HealthProbe{Archiver: newTestArchiver(client)}
	assert.Equal(t, "archive_bucket", probe.Name())
	assert.NoError(t, probe.Check(context.Background()))
	assert.Error(t, probe.Check(context.Background()))
}

func TestEncodeDecode_Empty(t *testing.T) {
	data, err := Encode(nil)
	require.NoError(t, err)
	events, err := Decode(data)
	require.NoError(t, err)
	assert.Empty(t, events)
}
