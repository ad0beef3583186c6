// Package httperror provides the error type returned for failed API calls.
package httperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a failed HTTP request. Either Err is set, for a local
// failure such as a refused connection, or StatusCode/Response describe the
// non-2xx reply from the remote server.
type Error struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte

	// Response is the raw response when one was received. Its body has
	// already been consumed into Body.
	Response *http.Response

	Err error
}

// Error implements error.
func (e *Error) Error() string {
	target := e.URL
	if e.Method != "" {
		target = e.Method + " " + e.URL
	}
	if e.Err != nil {
		if target == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", target, e.Err)
	}
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.Code(), http.StatusText(e.Code()))
	}
	if target == "" {
		return status
	}
	return fmt.Sprintf("%s: %s", target, status)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by status code, or the wrapped error otherwise.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Err != nil {
		return errors.Is(e.Err, t.Err)
	}
	return e.Err == nil && e.Code() == t.Code()
}

// Code returns the status code, looking at the nested response when the
// error itself does not carry one.
func (e *Error) Code() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	if e.Response != nil {
		return e.Response.StatusCode
	}
	return 0
}

// Headers returns the response headers, preferring the nested response's.
func (e *Error) Headers() http.Header {
	if e.Response != nil && e.Response.Header != nil {
		return e.Response.Header
	}
	return e.Header
}

// AsT returns an *Error for the given status code, for use with errors.Is.
func AsT(statusCode int) *Error {
	return &Error{StatusCode: statusCode}
}

// IsHTTPError reports whether err wraps an *Error with the given status code.
func IsHTTPError(err error, statusCode int) bool {
	var e *Error
	if !errors.As(err, &e) || e.Err != nil {
		return false
	}
	return e.Code() == statusCode
}

// StatusCode returns the status code carried by err, or 0.
func StatusCode(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return 0
	}
	return e.Code()
}
