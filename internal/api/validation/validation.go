package validation

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/nkkko/alarmd/internal/api/errors"
)

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// MaxBodyBytes bounds request bodies
const MaxBodyBytes = 1 << 20

// ParseAndValidate parses a JSON request body and validates it
func ParseAndValidate(r *http.Request, v Validator) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes)).Decode(v); err != nil {
		return DecodeError(err)
	}
	return v.Validate()
}

// UnmarshalAndValidate is ParseAndValidate for an already read body
func UnmarshalAndValidate(body []byte, v Validator) error {
	if len(body) == 0 {
		return errors.ValidationError("empty_request_body", "Request body is empty")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return DecodeError(err)
	}
	return v.Validate()
}

// DecodeError converts a JSON decoding error into a validation error
func DecodeError(err error) error {
	if stderrors.Is(err, io.EOF) {
		return errors.ValidationError("empty_request_body", "Request body is empty")
	}
	return errors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
}

// Required validates that a string is not blank
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.ValidationError("required_field_missing", field+" is required")
	}
	return nil
}

// MaxLength validates that a string is not longer than maxLen bytes
func MaxLength(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return errors.ValidationError(
			"max_length_exceeded",
			field+" must be at most "+strconv.Itoa(maxLen)+" characters",
		)
	}
	return nil
}

// Limit parses an optional limit parameter, falling back to def when it is
// absent and clamping it to max
func Limit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.ValidationError("invalid_limit", "limit must be a positive integer")
	}
	if limit > max {
		limit = max
	}
	return limit, nil
}

// AlarmID parses an alarm id path parameter
func AlarmID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.ValidationError("invalid_alarm_id", "alarm id must be a positive integer")
	}
	return id, nil
}
