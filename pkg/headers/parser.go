// Package headers parses Fitbit Web API rate-limit response headers.
package headers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Fitbit rate-limit header names.
const (
	HeaderLimit      = "Fitbit-Rate-Limit-Limit"
	HeaderRemaining  = "Fitbit-Rate-Limit-Remaining"
	HeaderReset      = "Fitbit-Rate-Limit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// RateLimit is the per-user hourly quota reported with each API response.
type RateLimit struct {
	Limit     int64         `json:"limit"`
	Remaining int64         `json:"remaining"`
	Reset     time.Duration `json:"reset"`
	ResetAt   time.Time     `json:"reset_at"`
}

// Used returns how many requests of the window were consumed.
func (r *RateLimit) Used() int64 {
	if r.Limit <= r.Remaining {
		return 0
	}
	return r.Limit - r.Remaining
}

// Exhausted reports whether no requests remain in the window.
func (r *RateLimit) Exhausted() bool {
	return r.Limit > 0 && r.Remaining <= 0
}

// Parse extracts the rate-limit window from response headers.
func Parse(headers http.Header, now time.Time) (*RateLimit, error) {
	if !HasRateLimitHeaders(headers) {
		return nil, fmt.Errorf("no rate limit headers found")
	}

	rl := &RateLimit{
		Limit:     parseIntHeader(headers, HeaderLimit),
		Remaining: parseIntHeader(headers, HeaderRemaining),
		Reset:     time.Duration(parseIntHeader(headers, HeaderReset)) * time.Second,
	}
	if rl.Reset > 0 {
		rl.ResetAt = now.Add(rl.Reset)
	}
	return rl, nil
}

// RetryAfter returns how long the provider asked the client to wait. It honours
// Retry-After (seconds or HTTP date) and falls back to the rate-limit reset.
func RetryAfter(headers http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(headers.Get(HeaderRetryAfter)); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := at.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	if secs := parseIntHeader(headers, HeaderReset); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// HasRateLimitHeaders reports whether any Fitbit rate-limit header is present.
func HasRateLimitHeaders(headers http.Header) bool {
	return headers.Get(HeaderLimit) != "" ||
		headers.Get(HeaderRemaining) != "" ||
		headers.Get(HeaderReset) != ""
}

// Helper functions

func parseIntHeader(headers http.Header, key string) int64 {
	val := strings.TrimSpace(headers.Get(key))
	if val == "" {
		return 0
	}

	// Handle duration format like "0s", "60s"
	if strings.HasSuffix(val, "s") {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0
		}
		return int64(d.Seconds())
	}

	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
