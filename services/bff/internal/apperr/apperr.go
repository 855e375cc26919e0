// Package apperr defines the error taxonomy shared by the catalog, user-data and
// session layers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthRequired is returned when an operation needs an active session.
	ErrAuthRequired = errors.New("not signed in")
	// ErrNotConfigured is returned when the backend is not configured in this environment.
	ErrNotConfigured = errors.New("backend not configured")
	// ErrAlreadyExists reports a unique-constraint violation on the backend.
	ErrAlreadyExists = errors.New("already exists")
	// ErrUnavailable reports a feature that is disabled or whose backing table is missing.
	ErrUnavailable = errors.New("feature unavailable")
)

// NotSignedInMessage is the user-facing text for guarded mutations.
const NotSignedInMessage = "Not signed in or backend not configured"

// NetworkError is a transport failure or a non-2xx response without a usable error body.
type NetworkError struct {
	Status     int
	StatusText string
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Err != nil && e.Status > 0:
		return fmt.Sprintf("network: %s: %v", e.StatusText, e.Err)
	case e.Err != nil:
		return "network: " + e.Err.Error()
	case e.StatusText != "":
		return "network: " + e.StatusText
	default:
		return "network: request failed"
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NewStatusError builds a NetworkError from an HTTP status code.
func NewStatusError(status int) *NetworkError {
	text := http.StatusText(status)
	if text == "" {
		text = fmt.Sprintf("status %d", status)
	}
	return &NetworkError{Status: status, StatusText: text}
}

// RemoteError is a well-formed error response from the catalog or the backend.
type RemoteError struct {
	Message string
	Code    string
	Status  int
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: %s (%s)", e.Message, e.Code)
	}
	return "remote: " + e.Message
}

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Invalid is shorthand for a *ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// Message renders err for end users.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var (
		ve *ValidationError
		re *RemoteError
		ne *NetworkError
	)
	switch {
	case errors.Is(err, ErrAuthRequired), errors.Is(err, ErrNotConfigured):
		return NotSignedInMessage
	case errors.Is(err, ErrUnavailable):
		return "This feature is not available"
	case errors.As(err, &ve):
		return ve.Message
	case errors.As(err, &re):
		return re.Message
	case errors.As(err, &ne):
		if ne.StatusText != "" {
			return ne.StatusText
		}
		return "Network request failed"
	default:
		return err.Error()
	}
}

// HTTPStatus maps err onto the status the BFF answers with.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		re *RemoteError
		ne *NetworkError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotConfigured), errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &re) && (re.Status == http.StatusBadRequest || re.Status == http.StatusUnprocessableEntity):
		return re.Status
	case errors.As(err, &re), errors.As(err, &ne):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
