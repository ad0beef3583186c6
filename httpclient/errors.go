package httpclient

import "errors"

var (
	// ErrClosed is returned for requests submitted to, or still queued in, a
	// closed Coordinator.
	ErrClosed = errors.New("httpclient: coordinator closed")

	// ErrNoBaseURL is returned when a relative endpoint is used without a
	// base URL.
	ErrNoBaseURL = errors.New("httpclient: relative endpoint without base url")

	// ErrNotFound is returned by an EntryStore for a missing key.
	ErrNotFound = errors.New("httpclient: cache entry not found")
)
