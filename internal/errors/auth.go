package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// Credential lifecycle errors. Each of these means the user has to go through the
// authorization flow again before collection can resume.
var (
	ErrMissingChallenge = stderrors.New("pkce verifier not found or expired")
	ErrNoToken          = stderrors.New("no token stored for user")
	ErrNoRefreshToken   = stderrors.New("stored token has no refresh token")
)

// ErrAuthExchangeFailed is returned when the provider rejects an authorization code.
type ErrAuthExchangeFailed struct {
	Status int
	Body   string
	Err    error
}

func (e *ErrAuthExchangeFailed) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("authorization code exchange failed (status %d): %s", e.Status, e.Body)
	}
	return fmt.Sprintf("authorization code exchange failed: %v", e.Err)
}

func (e *ErrAuthExchangeFailed) Unwrap() error {
	return e.Err
}

// ErrReauthRequired is returned when a refresh failed and the stored token was purged.
type ErrReauthRequired struct {
	UserID string
	Err    error
}

func (e *ErrReauthRequired) Error() string {
	return fmt.Sprintf("token refresh failed for %s, re-authorization required: %v", e.UserID, e.Err)
}

func (e *ErrReauthRequired) Unwrap() error {
	return e.Err
}

// RateLimitError signals an HTTP 429 from the provider.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e == nil {
		return "rate limit"
	}
	if e.Message != "" {
		return e.Message
	}
	return "rate limit exceeded"
}

// HTTPStatusError carries a non-success provider response.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d", e.URL, e.StatusCode)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var statusErr *HTTPStatusError
	if stderrors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

func IsForbidden(err error) bool {
	return StatusCode(err) == http.StatusForbidden
}

func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return stderrors.As(err, &rl)
}

// IsAuthFailure reports whether err means the user's credentials are unusable.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrNoToken) || stderrors.Is(err, ErrNoRefreshToken) || stderrors.Is(err, ErrMissingChallenge) {
		return true
	}
	var reauth *ErrReauthRequired
	if stderrors.As(err, &reauth) {
		return true
	}
	return StatusCode(err) == http.StatusUnauthorized
}
