package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultPageSize is used when a list request omits the limit.
const DefaultPageSize = 50

// MaxPageSize caps the limit a caller may request.
const MaxPageSize = 500

// PageInfo contains pagination metadata for list responses.
type PageInfo struct {
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// ListResponse is a generic paginated response wrapper.
type ListResponse[T any] struct {
	Data     []T      `json:"data"`
	PageInfo PageInfo `json:"pagination"`
}

// ClampPageSize normalizes a requested page size into [1, MaxPageSize].
func ClampPageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

// KeysetCursor is the last row of a page ordered by (created_at, id)
// descending. Rows sharing a created_at are split by id, so none is skipped
// at a page boundary.
type KeysetCursor struct {
	CreatedAt time.Time
	ID        int64
}

// String encodes the cursor as "<RFC3339Nano created_at>_<id>".
func (c KeysetCursor) String() string {
	return c.CreatedAt.UTC().Format(time.RFC3339Nano) + "_" + strconv.FormatInt(c.ID, 10)
}

// ParseKeysetCursor decodes a cursor produced by KeysetCursor.String.
func ParseKeysetCursor(s string) (KeysetCursor, error) {
	ts, id, ok := strings.Cut(s, "_")
	if !ok {
		return KeysetCursor{}, NewAppError(ErrCodeValidationInvalidCursor,
			"invalid cursor format; expected <timestamp>_<id>", nil)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return KeysetCursor{}, NewAppError(ErrCodeValidationInvalidCursor, "invalid cursor timestamp", err)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return KeysetCursor{}, NewAppError(ErrCodeValidationInvalidCursor,
			fmt.Sprintf("invalid cursor id %q", id), err)
	}
	return KeysetCursor{CreatedAt: createdAt, ID: n}, nil
}
