package intake

import (
	"errors"
	"fmt"
)

// GenericFailureMessage is shown for any error that has no better user-facing text.
const GenericFailureMessage = "Something went wrong. Try again later."

// TransportFailureMessage is shown when the server could not be reached or gave no detail.
const TransportFailureMessage = "Could not reach the server. Try again later."

var (
	ErrBusy       = errors.New("a request for this stage is already in flight")
	ErrWrongStage = errors.New("operation not allowed at the current stage")
	ErrStaleToken = errors.New("authorization token is stale, verify your identity again")
	ErrNoSession  = errors.New("no session loaded")
	ErrUnexpected = errors.New("unexpected response")

	ErrTooManyFiles = &ValidationError{Field: "files", Message: fmt.Sprintf("You can upload a maximum of %d files.", MaxFiles)}
)

// ValidationError is a local input problem. No request was sent.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func required(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "this field is required"}
}

// TransportError is a failed exchange: network error, timeout or a non-2xx status.
// Message holds the server supplied detail when there was one.
type TransportError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Message != "" && e.StatusCode != 0:
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("server returned %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("transport failure: %v", e.Err)
	default:
		return "transport failure"
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteError is a well-formed response explicitly marked as unsuccessful.
type RemoteError struct {
	Detail string
}

func (e *RemoteError) Error() string {
	if e.Detail == "" {
		return "request rejected by server"
	}
	return "request rejected by server: " + e.Detail
}

// UserMessage turns err into the text shown to the health worker.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var validationErr *ValidationError
	var transportErr *TransportError
	var remoteErr *RemoteError

	switch {
	case errors.As(err, &validationErr):
		return validationErr.Message
	case errors.As(err, &remoteErr):
		if remoteErr.Detail != "" {
			return remoteErr.Detail
		}
		return GenericFailureMessage
	case errors.As(err, &transportErr):
		if transportErr.Message != "" {
			return transportErr.Message
		}
		return TransportFailureMessage
	case errors.Is(err, ErrBusy):
		return "Please wait, your previous request is still being processed."
	case errors.Is(err, ErrStaleToken):
		return "Your verification has expired. Please verify your identity again."
	case errors.Is(err, ErrWrongStage):
		return "This step is not available right now."
	default:
		return GenericFailureMessage
	}
}
