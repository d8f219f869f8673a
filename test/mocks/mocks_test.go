package mocks

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuguri76/fitbit/pkg/headers"
)

func postToken(t *testing.T, s *FitbitServer, form url.Values) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.URL+"/oauth2/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(FakeClientID, FakeClientSecret)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return res.StatusCode, body
}

func apiGet(t *testing.T, s *FitbitServer, path, access string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+access)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func approve(t *testing.T, s *FitbitServer, verifier string) string {
	t.Helper()
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	authURL := s.URL + "/oauth2/authorize?" + url.Values{
		"client_id":             {FakeClientID},
		"state":                 {"alice"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}.Encode()

	code, state, err := s.Approve(authURL)
	require.NoError(t, err)
	assert.Equal(t, "alice", state)
	return code
}

func TestFitbitServer_AuthorizationCodeGrant(t *testing.T) {
	s := NewFitbitServer(t)
	code := approve(t, s, "verifier-1")

	status, body := postToken(t, s, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {"wrong-verifier"},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_grant", body["errors"].([]interface{})[0].(map[string]interface{})["errorType"])

	status, body = postToken(t, s, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {"verifier-1"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["access_token"])
	assert.Equal(t, FakeProviderUserID, body["user_id"])
	assert.Equal(t, 2, s.GrantCount("authorization_code"))

	// codes are single use
	status, _ = postToken(t, s, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {"verifier-1"},
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestFitbitServer_RefreshGrant(t *testing.T) {
	s := NewFitbitServer(t)
	code := approve(t, s, "v")
	_, first := postToken(t, s, url.Values{"grant_type": {"authorization_code"}, "code": {code}, "code_verifier": {"v"}})
	refresh := first["refresh_token"].(string)

	status, next := postToken(t, s, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {refresh}})
	require.Equal(t, http.StatusOK, status)
	assert.NotEqual(t, first["access_token"], next["access_token"])

	// rotated refresh tokens cannot be replayed
	status, _ = postToken(t, s, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {refresh}})
	assert.Equal(t, http.StatusBadRequest, status)

	s.SetFailRefresh(true)
	status, _ = postToken(t, s, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {next["refresh_token"].(string)}})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestFitbitServer_API(t *testing.T) {
	s := NewFitbitServer(t)
	code := approve(t, s, "v")
	_, tok := postToken(t, s, url.Values{"grant_type": {"authorization_code"}, "code": {code}, "code_verifier": {"v"}})
	access := tok["access_token"].(string)

	res := apiGet(t, s, "/1/user/-/profile.json", access)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "150", res.Header.Get(headers.HeaderLimit))
	assert.Equal(t, "149", res.Header.Get(headers.HeaderRemaining))
	body, _ := io.ReadAll(res.Body)
	assert.JSONEq(t, `{"path":"/1/user/-/profile.json"}`, string(body))

	s.SetBody("/1/user/-/devices.json", `[{"id":"1"}]`)
	res = apiGet(t, s, "/1/user/-/devices.json", access)
	body, _ = io.ReadAll(res.Body)
	assert.JSONEq(t, `[{"id":"1"}]`, string(body))

	s.SetStatus("/1/user/-/hrv/date/2024-03-01.json", http.StatusTooManyRequests)
	res = apiGet(t, s, "/1/user/-/hrv/date/2024-03-01.json", access)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "1", res.Header.Get(headers.HeaderRetryAfter))

	res = apiGet(t, s, "/1/user/-/profile.json", "unknown")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	assert.Equal(t, 4, s.RequestCount("/1/user/"))
	assert.Equal(t, 146, s.RateRemaining())
}

func TestFitbitServer_RevokeAndIntrospect(t *testing.T) {
	s := NewFitbitServer(t)
	s.SetScope("sleep activity")
	code := approve(t, s, "v")
	_, tok := postToken(t, s, url.Values{"grant_type": {"authorization_code"}, "code": {code}, "code_verifier": {"v"}})
	access := tok["access_token"].(string)

	introspect := func() map[string]interface{} {
		req, _ := http.NewRequest(http.MethodPost, s.URL+"/1.1/oauth2/introspect", strings.NewReader(url.Values{"token": {access}}.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(FakeClientID, FakeClientSecret)
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer res.Body.Close()
		var info map[string]interface{}
		require.NoError(t, json.NewDecoder(res.Body).Decode(&info))
		return info
	}

	info := introspect()
	assert.Equal(t, true, info["active"])
	assert.Equal(t, "{SLEEP=READ, ACTIVITY=READ}", info["scope"])

	req, _ := http.NewRequest(http.MethodPost, s.URL+"/oauth2/revoke", strings.NewReader(url.Values{"token": {access}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(FakeClientID, FakeClientSecret)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []string{access}, s.Revoked())

	assert.Equal(t, false, introspect()["active"])
}

func TestFitbitServer_RejectsUnknownClient(t *testing.T) {
	s := NewFitbitServer(t)
	req, _ := http.NewRequest(http.MethodPost, s.URL+"/oauth2/token", strings.NewReader("grant_type=refresh_token"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("other", "secret")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestFitbitServer_ApproveValidatesURL(t *testing.T) {
	s := NewFitbitServer(t)
	_, _, err := s.Approve(s.URL + "/oauth2/authorize?client_id=" + FakeClientID + "&code_challenge_method=plain")
	assert.Error(t, err)
	_, _, err = s.Approve(s.URL + "/oauth2/authorize?client_id=someone&code_challenge_method=S256")
	assert.Error(t, err)
}

func TestMockTelegramBot(t *testing.T) {
	bot := NewMockTelegramBot()
	require.NoError(t, bot.SendMessage(1, "hi"))
	require.NoError(t, bot.SendMessageWithParseMode(1, "<b>alice</b> needs re-authorization", "HTML"))
	assert.Equal(t, 2, bot.GetSentCount())

	msg, ok := bot.FindMessage("alice")
	require.True(t, ok)
	assert.Equal(t, "HTML", msg.ParseMode)

	bot.FailNext(errors.New("boom"))
	assert.EqualError(t, bot.SendMessage(1, "lost"), "boom")
	assert.Equal(t, 2, bot.GetSentCount())

	bot.PushUpdate(1, "/status")
	updates, err := bot.GetUpdates()
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "/status", updates[0].Text)
	updates, _ = bot.GetUpdates()
	assert.Empty(t, updates)

	bot.Clear()
	assert.Equal(t, 0, bot.GetSentCount())
	assert.Empty(t, bot.GetSentMessages())
}
