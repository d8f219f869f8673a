package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/yuguri76/fitbit/internal/errors"
	"github.com/yuguri76/fitbit/internal/logging"
)

// TokenInfo is the introspection response for an access token.
type TokenInfo struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
	TokenType string `json:"token_type"`
	Exp       int64  `json:"exp"`
	Iat       int64  `json:"iat"`
}

var readScopePattern = regexp.MustCompile(`[A-Za-z_]+=READ`)

// ReadScopes extracts lower-cased scope names granted with READ permission from
// an introspection scope string such as "{ACTIVITY=READ, SLEEP=READ}".
func ReadScopes(scope string) []string {
	matches := readScopePattern.FindAllString(scope, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.ToLower(strings.SplitN(m, "=", 2)[0]))
	}
	return out
}

// postForm sends an authenticated client request to a provider endpoint.
func (f *Flow) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(f.cfg.ClientID, f.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &errors.HTTPStatusError{StatusCode: resp.StatusCode, URL: endpoint, Body: string(body)}
	}
	return body, nil
}

// Revoke invalidates an access or refresh token at the provider.
func (f *Flow) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if _, err := f.postForm(ctx, f.cfg.RevokeEndpoint, url.Values{"token": {token}}); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// Introspect asks the provider about an access token.
func (f *Flow) Introspect(ctx context.Context, accessToken string) (*TokenInfo, error) {
	body, err := f.postForm(ctx, f.cfg.IntrospectEndpoint, url.Values{"token": {accessToken}})
	if err != nil {
		return nil, fmt.Errorf("introspect token: %w", err)
	}
	var info TokenInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode introspection response: %w", err)
	}
	return &info, nil
}

// ValidateScope reports whether the user's token is active and carries the
// required READ scope. A token lacking the scope is revoked and removed so the
// user has to authorize again.
func (f *Flow) ValidateScope(ctx context.Context, userID, required string) (bool, error) {
	token, err := f.ValidToken(ctx, userID)
	if err != nil {
		return false, err
	}
	info, err := f.Introspect(ctx, token.AccessToken)
	if err != nil {
		return false, err
	}
	if !info.Active {
		f.logger.WarnWithContext(ctx, "token is inactive", "user_id", userID)
		return false, nil
	}

	want := strings.ToLower(required)
	for _, s := range ReadScopes(info.Scope) {
		if s == want {
			return true, nil
		}
	}

	f.logger.WarnWithContext(ctx, "token lacks required scope", "user_id", userID, "scope", required)
	if err := f.Invalidate(ctx, userID); err != nil {
		return false, err
	}
	return false, nil
}

// Invalidate revokes both tokens of a user (best effort) and removes the stored record.
func (f *Flow) Invalidate(ctx context.Context, userID string) error {
	token, ok, err := f.store.GetToken(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	for _, t := range []string{token.AccessToken, token.RefreshToken} {
		if err := f.Revoke(ctx, t); err != nil {
			f.logger.WarnWithContext(ctx, "token revocation failed", "user_id", userID, "error", err)
		}
	}
	if err := f.store.RemoveToken(ctx, userID); err != nil {
		return err
	}

	f.logger.Audit(logging.NewAuditEvent(logging.TokenRevoked, "invalidate", logging.StatusSuccess).
		WithUserID(userID))
	return nil
}
