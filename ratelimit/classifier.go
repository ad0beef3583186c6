// Package ratelimit recognises rate-limited responses and fans out
// notifications about them.
package ratelimit

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zckevin/reqcoord/httperror"
)

const HeaderRetryAfter = "Retry-After"

// IsRateLimitError reports whether err carries an HTTP 429 status, either on
// the error itself or on its nested response.
func IsRateLimitError(err error) bool {
	var e *httperror.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code() == http.StatusTooManyRequests
}

// GetRetryAfter returns the delay requested by the Retry-After header of the
// response carried by err. A header holding an HTTP date in the past yields
// a negative duration. ok is false when the header is absent or unparseable.
func GetRetryAfter(err error, now time.Time) (d time.Duration, ok bool) {
	var e *httperror.Error
	if !errors.As(err, &e) {
		return 0, false
	}
	h := e.Headers()
	if h == nil {
		return 0, false
	}
	return ParseRetryAfter(h.Get(HeaderRetryAfter), now)
}

const maxRetryAfterSeconds = float64(math.MaxInt64) / float64(time.Second)

// ParseRetryAfter parses a Retry-After value given either as a number of
// seconds or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, false
		}
		// past the range of time.Duration
		if secs >= maxRetryAfterSeconds {
			return time.Duration(math.MaxInt64), true
		}
		if secs <= -maxRetryAfterSeconds {
			return time.Duration(math.MinInt64), true
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(value); err == nil {
		return t.Sub(now), true
	}
	return 0, false
}
