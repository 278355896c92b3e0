package core

import (
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"eventpulse/internal/types"
)

// ValidationError describes one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult collects every failed field of a struct.
type ValidationResult struct {
	Errors []ValidationError `json:"errors,omitempty"`
}

// IsValid reports whether no field failed.
func (r ValidationResult) IsValid() bool { return len(r.Errors) == 0 }

// Validator wraps go-playground/validator with the domain tags:
//
//	eventkind    - a types.EventKind in 1..11
//	json_object  - raw JSON whose top level is an object
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator with the domain tags registered. Field
// names are reported by their json tag.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("eventkind", validateEventKind)
	_ = v.RegisterValidation("json_object", validateJSONObject)

	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{validate: v, logger: logger}
}

// ValidateStruct returns nil or an AppError whose code is that of the first
// failed field; all failures are listed under details.validation_errors.
func (v *Validator) ValidateStruct(s any) error {
	result := v.Check(s)
	if result.IsValid() {
		return nil
	}
	first := result.Errors[0]
	return types.NewAppErrorWithDetails(types.ErrorCode(first.Code), first.Message, nil,
		map[string]any{"validation_errors": result.Errors})
}

// Check validates s and returns every failure.
func (v *Validator) Check(s any) ValidationResult {
	err := v.validate.Struct(s)
	if err == nil {
		return ValidationResult{}
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		v.logger.Error("struct validation failed unexpectedly", "error", err)
		return ValidationResult{Errors: []ValidationError{{
			Code:    string(types.ErrCodeValidationInvalidEvent),
			Message: "invalid input",
		}}}
	}

	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Code:    string(tagToErrorCode(fe.Tag())),
			Message: fieldMessage(fe),
		})
	}
	return ValidationResult{Errors: out}
}

func tagToErrorCode(tag string) types.ErrorCode {
	switch tag {
	case "required":
		return types.ErrCodeValidationMissingField
	case "eventkind":
		return types.ErrCodeValidationInvalidEventKind
	default:
		return types.ErrCodeValidationInvalidEvent
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "eventkind":
		return fe.Field() + " must be an event kind between 1 and 11"
	case "json_object":
		return fe.Field() + " must be a JSON object"
	default:
		return fe.Field() + " is invalid"
	}
}

func validateEventKind(fl validator.FieldLevel) bool {
	switch fl.Field().Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return types.EventKind(fl.Field().Int()).Valid()
	default:
		return false
	}
}

func validateJSONObject(fl validator.FieldLevel) bool {
	b, ok := fl.Field().Interface().(json.RawMessage)
	if !ok {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(b, &obj) == nil && obj != nil
}
