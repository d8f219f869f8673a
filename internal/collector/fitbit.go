package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yuguri76/fitbit/internal/errors"
	"github.com/yuguri76/fitbit/internal/models"
	"github.com/yuguri76/fitbit/pkg/headers"
)

// TokenProvider hands out a usable access token for a user.
type TokenProvider interface {
	ValidToken(ctx context.Context, userID string) (*models.UserToken, error)
}

// API performs authorized reads against the Fitbit Web API.
type API struct {
	baseURL string
	tokens  TokenProvider
	client  *http.Client
	metrics Recorder
	clock   func() time.Time
}

// NewAPI creates an API client rooted at baseURL.
func NewAPI(baseURL string, tokens TokenProvider, client *http.Client, metrics Recorder) *API {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  client,
		metrics: metrics,
		clock:   time.Now,
	}
}

// Get fetches path (e.g. "/1/user/-/profile.json") for userID and returns the raw body.
func (a *API) Get(ctx context.Context, userID, path string) (json.RawMessage, error) {
	tok, err := a.tokens.ValidToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	url := a.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en_US")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if rl, err := headers.Parse(resp.Header, a.clock()); err == nil {
		a.metrics.RecordRateLimitRemaining(userID, rl.Remaining)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &errors.RateLimitError{
			RetryAfter: headers.RetryAfter(resp.Header, a.clock()),
			Message:    fmt.Sprintf("fitbit rate limit on %s", path),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &errors.HTTPStatusError{StatusCode: resp.StatusCode, URL: url, Body: string(body)}
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("decode %s: invalid json body", path)
	}
	return json.RawMessage(body), nil
}
