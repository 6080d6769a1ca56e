package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// APIError represents a non-2xx response from the DIDA backend.
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
	Endpoint   string
}

func (e *APIError) Error() string {
	base := fmt.Sprintf("api error: status=%d", e.StatusCode)
	if e.Endpoint != "" {
		base += " endpoint=" + e.Endpoint
	}
	if e.RequestID != "" {
		base += " request_id=" + e.RequestID
	}
	if e.Message != "" {
		base += " message=" + e.Message
	}
	return base
}

// Base returns the underlying APIError. Typed errors embed *APIError and so
// promote this method.
func (e *APIError) Base() *APIError { return e }

// AsAPIError finds the APIError behind any typed backend error in err's chain.
func AsAPIError(err error) (*APIError, bool) {
	var b interface{ Base() *APIError }
	if errors.As(err, &b) {
		return b.Base(), true
	}
	return nil, false
}

// AuthError indicates 401/403 responses, typically a missing or invalid OpenAI key.
type AuthError struct{ *APIError }

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.APIError.Error())
}

// BadRequestError indicates 400/422 validation problems.
type BadRequestError struct{ *APIError }

func (e *BadRequestError) Error() string { return fmt.Sprintf("bad request: %s", e.APIError.Error()) }

// NotFoundError indicates 404, e.g. no dataset uploaded for the session.
type NotFoundError struct{ *APIError }

func (e *NotFoundError) Error() string { return fmt.Sprintf("not found: %s", e.APIError.Error()) }

// RateLimitError indicates 429 responses and may include a Retry-After.
type RateLimitError struct {
	*APIError
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: wait about %ds before retrying: %s", int(e.RetryAfter.Seconds()), e.APIError.Error())
	}
	return fmt.Sprintf("rate limited: %s", e.APIError.Error())
}

// NotImplementedError indicates the backend has no implementation for the endpoint (501).
type NotImplementedError struct{ *APIError }

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("not implemented by backend: %s", e.APIError.Error())
}

// ServerError indicates other 5xx errors.
type ServerError struct{ *APIError }

func (e *ServerError) Error() string { return fmt.Sprintf("backend error: %s", e.APIError.Error()) }

// DecodeError indicates a 2xx body that does not match the expected response shape.
type DecodeError struct {
	Endpoint string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s response: %v", e.Endpoint, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnreachableError indicates the backend could not be reached at all.
type UnreachableError struct {
	Host string
	Err  error
}

func (e *UnreachableError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("backend unreachable at %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("backend unreachable: %v", e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// classifyAPIError maps a generic APIError to a typed error.
func classifyAPIError(apiErr *APIError, resp *http.Response) error {
	sc := apiErr.StatusCode
	switch {
	case sc == http.StatusUnauthorized || sc == http.StatusForbidden:
		return &AuthError{APIError: apiErr}
	case sc == http.StatusBadRequest || sc == http.StatusUnprocessableEntity:
		return &BadRequestError{APIError: apiErr}
	case sc == http.StatusNotFound:
		return &NotFoundError{APIError: apiErr}
	case sc == http.StatusTooManyRequests:
		var ra time.Duration
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := parseRetryAfterSeconds(v); err == nil && secs > 0 {
				ra = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{APIError: apiErr, RetryAfter: ra}
	case sc == http.StatusNotImplemented:
		return &NotImplementedError{APIError: apiErr}
	case sc >= 500 && sc <= 599:
		return &ServerError{APIError: apiErr}
	}
	return apiErr
}

// Message returns the text shown to the user for a failed call: the server's
// message when it sent one, otherwise a generic line for the error kind.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if apiErr, ok := AsAPIError(err); ok {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return fmt.Sprintf("request failed with status %d", apiErr.StatusCode)
	}
	var unreachable *UnreachableError
	if errors.As(err, &unreachable) {
		return "backend unreachable; is the DIDA server running?"
	}
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return "unexpected response from backend"
	}
	return err.Error()
}
