// Package archive writes raw events to S3 before the retention sweep
// deletes them. Each batch becomes one zstd-compressed NDJSON object.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"eventpulse/internal/types"
)

// KeyPrefix is the root of every archive object key.
const KeyPrefix = "raw_events"

// S3PutClient abstracts the S3 operations the archiver needs.
type S3PutClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Archiver uploads event batches to a single bucket.
type S3Archiver struct {
	client S3PutClient
	bucket string
	newID  func() string
	logger *slog.Logger
}

// NewS3Archiver creates an archiver for bucket.
func NewS3Archiver(client S3PutClient, bucket string, logger *slog.Logger) *S3Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archiver{
		client: client,
		bucket: bucket,
		newID:  uuid.NewString,
		logger: logger,
	}
}

// ObjectKey returns raw_events/YYYY/MM/DD/<id>.ndjson.zst for the UTC date
// of at.
func ObjectKey(at time.Time, id string) string {
	return fmt.Sprintf("%s/%s/%s.ndjson.zst", KeyPrefix, at.UTC().Format("2006/01/02"), id)
}

// Archive uploads events as one object and returns its key. An empty batch
// uploads nothing and returns "".
func (a *S3Archiver) Archive(ctx context.Context, events []types.RawEvent, at time.Time) (string, error) {
	if len(events) == 0 {
		return "", nil
	}

	body, err := Encode(events)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode archive batch", err)
	}

	key := ObjectKey(at, a.newID())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentLength:   aws.Int64(int64(len(body))),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("zstd"),
		Metadata: map[string]string{
			"event-count": fmt.Sprint(len(events)),
			"first-id":    fmt.Sprint(events[0].ID),
			"last-id":     fmt.Sprint(events[len(events)-1].ID),
		},
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamStorage, "failed to upload archive object", err)
	}

	a.logger.InfoContext(ctx, "archived raw events",
		"bucket", a.bucket,
		"key", key,
		"events", len(events),
		"bytes", len(body),
	)
	return key, nil
}

// Encode serializes events as newline-delimited JSON and compresses the
// result with zstd.
func Encode(events []types.RawEvent) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(zw)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			_ = zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(data []byte) ([]types.RawEvent, error) {
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var events []types.RawEvent
	dec := json.NewDecoder(zr)
	for dec.More() {
		var ev types.RawEvent
		if err := dec.Decode(&ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// HealthProbe reports whether the archive bucket is reachable.
type HealthProbe struct {
	Archiver *S3Archiver
}

func (p HealthProbe) Name() string { return "archive_bucket" }

func (p HealthProbe) Check(ctx context.Context) error {
	_, err := p.Archiver.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.Archiver.bucket)})
	return err
}
