package ai

import (
	"errors"
	"fmt"
)

// ErrUnknownOperation is returned when a config references an operation key
// that is not registered in the catalog.
var ErrUnknownOperation = errors.New("unknown operation")

// ValidationError reports a problem with user input or configuration. It is
// surfaced to the caller verbatim and never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ProviderError is a non-2xx provider response normalized into a single
// user-facing message.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return e.Message
}

// IsProvider reports whether err is a ProviderError.
func IsProvider(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
