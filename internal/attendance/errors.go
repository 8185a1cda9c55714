package attendance

import (
	"errors"
	"strings"
)

// Business-rule rejections. These are routine outcomes, not faults; handlers
// map them to client-error responses with the stable reason string intact.
var (
	ErrTokenUnusable      = errors.New("invalid, expired, or exhausted")
	ErrSessionUnavailable = errors.New("session unavailable")
	ErrAlreadyRecorded    = errors.New("already recorded")
	ErrOutsideWindow      = errors.New("outside lecture scan window")
	ErrNotFound           = errors.New("not found")
)

// ValidationError reports malformed input, caught before any mutation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, ", ")
}

// AsValidation returns the ValidationError inside err, or nil.
func AsValidation(err error) *ValidationError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	return nil
}
