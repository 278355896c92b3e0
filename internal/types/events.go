package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind enumerates the behavioral event types accepted by ingestion.
// Values are persisted as SMALLINT and constrained to 1..11 by the schema.
type EventKind int16

const (
	EventPageView     EventKind = 1
	EventClick        EventKind = 2
	EventSessionStart EventKind = 3
	EventSessionEnd   EventKind = 4
	EventConversion   EventKind = 5
	EventFormSubmit   EventKind = 6
	EventScrollDepth  EventKind = 7
	EventSearch       EventKind = 8
	EventAddToCart    EventKind = 9
	EventCheckout     EventKind = 10
	EventCustom       EventKind = 11
)

// MinEventKind and MaxEventKind bound the valid EventKind range.
const (
	MinEventKind = EventPageView
	MaxEventKind = EventCustom
)

var eventKindNames = map[EventKind]string{
	EventPageView:     "page_view",
	EventClick:        "click",
	EventSessionStart: "session_start",
	EventSessionEnd:   "session_end",
	EventConversion:   "conversion",
	EventFormSubmit:   "form_submit",
	EventScrollDepth:  "scroll_depth",
	EventSearch:       "search",
	EventAddToCart:    "add_to_cart",
	EventCheckout:     "checkout",
	EventCustom:       "custom",
}

// Valid reports whether k is within the accepted range.
func (k EventKind) Valid() bool {
	return k >= MinEventKind && k <= MaxEventKind
}

// String returns the snake_case name of the kind.
func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event_kind(%d)", int16(k))
}

// EventKinds returns every valid kind in ascending order.
func EventKinds() []EventKind {
	kinds := make([]EventKind, 0, int(MaxEventKind))
	for k := MinEventKind; k <= MaxEventKind; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// RawEvent is a single normalized behavioral record. Rows are immutable once
// written and are only ever bulk-deleted by the retention sweep.
type RawEvent struct {
	ID        int64           `json:"id"`
	Type      EventKind       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	SessionID string          `json:"session_id"`
	IPAddress string          `json:"ip_address"`
	UserAgent string          `json:"user_agent"`
	CreatedAt time.Time       `json:"created_at"`
}

// IncomingEvent is the decrypted plaintext of one ingestion envelope.
type IncomingEvent struct {
	Type       EventKind       `json:"type" validate:"required,eventkind"`
	Data       json.RawMessage `json:"data" validate:"required,json_object"`
	OccurredAt *time.Time      `json:"occurred_at,omitempty"`
}

// RequestMeta carries the server-side fields stamped onto every event of a
// batch.
type RequestMeta struct {
	SessionID  string
	IPAddress  string
	UserAgent  string
	ReceivedAt time.Time
}
