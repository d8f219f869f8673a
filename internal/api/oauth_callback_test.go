package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuguri76/fitbit/internal/config"
	"github.com/yuguri76/fitbit/internal/errors"
)

func TestHandleAuthorize_Redirects(t *testing.T) {
	env := setupTestServer(t, config.ServerConfig{})

	for _, path := range []string{"/auth/u1", "/login?user_id=u1", "/login?userId=u1"} {
		w := env.do(http.MethodGet, path, nil)
		require.Equal(t, http.StatusFound, w.Code, path)
		assert.Equal(t, "https://www.fitbit.com/oauth2/authorize?state=u1", w.Header().Get("Location"))
		assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")
	}

	_, ok, err := env.store.GetChallenge(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHandleAuthorize_MissingUser(t *testing.T) {
	env := setupTestServer(t, config.ServerConfig{})
	w := env.do(http.MethodGet, "/login", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing_user_id")
}

func TestHandleCallback_Success(t *testing.T) {
	env := setupTestServer(t, config.ServerConfig{})
	require.Equal(t, http.StatusFound, env.do(http.MethodGet, "/auth/u1", nil).Code)

	w := env.do(http.MethodGet, "/callback?code=abc&state=u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")

	var resp CallbackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "authorized", resp.Status)
	assert.Equal(t, "u1", resp.UserID)
	assert.True(t, resp.Scheduled)
	assert.NotContains(t, w.Body.String(), "access-abc")

	token, ok, err := env.store.GetToken(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "access-abc", token.AccessToken)
	assert.Len(t, env.jobs.Jobs(), 4)

	// The verifier is consumed, so replaying the callback fails.
	w = env.do(http.MethodGet, "/callback?code=abc&state=u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_state")
}

func TestHandleCallback_Errors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		err      error
		wantCode int
		wantBody string
	}{
		{"missing code", "/callback?state=u1", nil, http.StatusBadRequest, "missing_parameter"},
		{"missing state", "/callback?code=abc", nil, http.StatusBadRequest, "missing_parameter"},
		{"denied", "/callback?error=access_denied&error_description=user+declined", nil, http.StatusBadRequest, "authorization_denied"},
		{"no challenge", "/callback?code=abc&state=u1", nil, http.StatusBadRequest, "invalid_state"},
		{
			"exchange rejected", "/callback?code=abc&state=u1",
			&errors.ErrAuthExchangeFailed{Status: 400, Body: `{"errors":[{"errorType":"invalid_grant"}]}`},
			http.StatusBadGateway, "exchange_failed",
		},
		{"store failure", "/callback?code=abc&state=u1", stderrors.New("disk full"), http.StatusInternalServerError, "callback_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, config.ServerConfig{})
			env.auth.callbackErr = tt.err

			w := env.do(http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
			assert.Empty(t, env.jobs.Jobs())
		})
	}
}
