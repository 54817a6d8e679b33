package billing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotReady is returned by fire operations before an auction result exists.
	ErrNotReady = errors.New("billing: auction data not ready, wait for the platform request to resolve")

	// ErrInvalidPayload is returned when a conversion payload lacks required fields.
	ErrInvalidPayload = errors.New("billing: invalid conversion payload")
)

// InvalidPayloadError lists the conversion fields that failed validation.
type InvalidPayloadError struct {
	Fields []string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("CPA payload requires conversion_id, conversion_type, and ts (invalid: %s)", strings.Join(e.Fields, ", "))
}

func (e *InvalidPayloadError) Unwrap() error {
	return ErrInvalidPayload
}
