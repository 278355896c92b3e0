package core

import (
	"encoding/json"
	"errors"
	"testing"

	"eventpulse/internal/types"
)

func TestValidator_IncomingEvent(t *testing.T) {
	v := NewValidator(discardLogger())

	tests := []struct {
		name     string
		event    types.IncomingEvent
		wantCode types.ErrorCode
		field    string
	}{
		{
			name:  "valid",
			event: types.IncomingEvent{Type: types.EventKind(1), Data: json.RawMessage(`{"path":"/"}`)},
		},
		{
			name:     "missing type",
			event:    types.IncomingEvent{Data: json.RawMessage(`{}`)},
			wantCode: types.ErrCodeValidationMissingField,
			field:    "type",
		},
		{
			name:     "kind out of range",
			event:    types.IncomingEvent{Type: types.EventKind(12), Data: json.RawMessage(`{}`)},
			wantCode: types.ErrCodeValidationInvalidEventKind,
			field:    "type",
		},
		{
			name:     "missing data",
			event:    types.IncomingEvent{Type: types.EventKind(3)},
			wantCode: types.ErrCodeValidationMissingField,
			field:    "data",
		},
		{
			name:     "data is an array",
			event:    types.IncomingEvent{Type: types.EventKind(3), Data: json.RawMessage(`[1,2]`)},
			wantCode: types.ErrCodeValidationInvalidEvent,
			field:    "data",
		},
		{
			name:     "data is null",
			event:    types.IncomingEvent{Type: types.EventKind(3), Data: json.RawMessage(`null`)},
			wantCode: types.ErrCodeValidationInvalidEvent,
			field:    "data",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateStruct(tt.event)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			var appErr *types.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected AppError, got %v", err)
			}
			if appErr.Code != tt.wantCode {
				t.Errorf("expected %s, got %s", tt.wantCode, appErr.Code)
			}
			fields, ok := appErr.Details["validation_errors"].([]ValidationError)
			if !ok || len(fields) == 0 {
				t.Fatalf("expected validation_errors details, got %v", appErr.Details)
			}
			if fields[0].Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, fields[0].Field)
			}
		})
	}
}

func TestValidator_CheckCollectsAllFailures(t *testing.T) {
	v := NewValidator(discardLogger())
	result := v.Check(types.IncomingEvent{})
	if result.IsValid() {
		t.Fatal("expected failures")
	}
	if len(result.Errors) != 2 {
		t.Errorf("expected 2 failures, got %+v", result.Errors)
	}
}

func TestTagToErrorCode(t *testing.T) {
	cases := map[string]types.ErrorCode{
		"required":    types.ErrCodeValidationMissingField,
		"eventkind":   types.ErrCodeValidationInvalidEventKind,
		"json_object": types.ErrCodeValidationInvalidEvent,
		"max":         types.ErrCodeValidationInvalidEvent,
	}
	for tag, want := range cases {
		if got := tagToErrorCode(tag); got != want {
			t.Errorf("%s: expected %s, got %s", tag, want, got)
		}
	}
}
