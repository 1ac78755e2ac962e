package ollama

import (
	"errors"
	"fmt"
)

// BackendUnavailableError reports that the backend could not be reached:
// connection refused, network failure or the request timeout elapsing.
type BackendUnavailableError struct {
	Timeout bool
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("generation backend timed out: %v", e.Err)
	}
	return fmt.Sprintf("generation backend unreachable: %v", e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// BackendErrorResponse reports a non-200 status from a reachable backend.
type BackendErrorResponse struct {
	StatusCode int
	Body       string
}

func (e *BackendErrorResponse) Error() string {
	return fmt.Sprintf("generation backend status=%d body=%s", e.StatusCode, e.Body)
}

// MalformedResponseError reports a 200 response whose body could not be
// parsed or lacked the response field.
type MalformedResponseError struct {
	Body string
	Err  error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed generation response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// Kind names the failure class for metrics and audit records.
func Kind(err error) string {
	var unavailable *BackendUnavailableError
	var status *BackendErrorResponse
	var malformed *MalformedResponseError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &unavailable):
		if unavailable.Timeout {
			return "timeout"
		}
		return "unavailable"
	case errors.As(err, &status):
		return "error_response"
	case errors.As(err, &malformed):
		return "malformed"
	default:
		return "unknown"
	}
}
