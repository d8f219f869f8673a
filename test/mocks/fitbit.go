package mocks

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yuguri76/fitbit/internal/config"
	"github.com/yuguri76/fitbit/pkg/headers"
)

const (
	// FakeClientID is the client the fake provider accepts.
	FakeClientID = "23FAKE"
	// FakeClientSecret is the secret paired with FakeClientID.
	FakeClientSecret = "fake-secret"
	// FakeProviderUserID is the Fitbit user ID returned by every grant.
	FakeProviderUserID = "7ABCDE"
)

// RecordedRequest is one request seen by FitbitServer.
type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	GrantType     string
	Time          time.Time
}

// FitbitServer emulates the Fitbit OAuth2 endpoints and the Web API.
// Issued access tokens are accepted by the API until they are revoked.
type FitbitServer struct {
	*httptest.Server

	mu            sync.Mutex
	challenges    map[string]string // code -> S256 challenge
	tokens        map[string]bool   // access token -> active
	refreshTokens map[string]bool
	revoked       []string
	requests      []RecordedRequest
	statuses      map[string]int
	bodies        map[string]string
	scope         string
	expiresIn     int
	failRefresh   bool
	rateLimit     int
	rateRemaining int
	issued        int
}

// NewFitbitServer starts a fake provider that is closed with the test.
func NewFitbitServer(t testing.TB) *FitbitServer {
	s := &FitbitServer{
		challenges:    make(map[string]string),
		tokens:        make(map[string]bool),
		refreshTokens: make(map[string]bool),
		statuses:      make(map[string]int),
		bodies:        make(map[string]string),
		scope:         "activity heartrate profile settings sleep",
		expiresIn:     28800,
		rateLimit:     150,
		rateRemaining: 150,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", s.handleToken)
	mux.HandleFunc("/oauth2/revoke", s.handleRevoke)
	mux.HandleFunc("/1.1/oauth2/introspect", s.handleIntrospect)
	mux.HandleFunc("/", s.handleAPI)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Config returns a Fitbit configuration pointing every endpoint at the fake.
func (s *FitbitServer) Config(redirectURI string) config.FitbitConfig {
	return config.FitbitConfig{
		ClientID:              FakeClientID,
		ClientSecret:          FakeClientSecret,
		RedirectURI:           redirectURI,
		Scope:                 s.Scope(),
		AuthorizationEndpoint: s.URL + "/oauth2/authorize",
		TokenEndpoint:         s.URL + "/oauth2/token",
		RevokeEndpoint:        s.URL + "/oauth2/revoke",
		IntrospectEndpoint:    s.URL + "/1.1/oauth2/introspect",
		APIBaseURL:            s.URL,
		RequestTimeout:        5 * time.Second,
	}
}

// Approve plays the consent page: it reads the challenge from authURL and
// returns the code and state the provider would redirect back with.
func (s *FitbitServer) Approve(authURL string) (code, state string, err error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return "", "", err
	}
	q := u.Query()
	if q.Get("code_challenge_method") != "S256" {
		return "", "", fmt.Errorf("unexpected challenge method %q", q.Get("code_challenge_method"))
	}
	if q.Get("client_id") != FakeClientID {
		return "", "", fmt.Errorf("unexpected client_id %q", q.Get("client_id"))
	}

	s.mu.Lock()
	s.issued++
	code = "code-" + strconv.Itoa(s.issued)
	s.challenges[code] = q.Get("code_challenge")
	s.mu.Unlock()
	return code, q.Get("state"), nil
}

// Scope returns the scope granted to new tokens.
func (s *FitbitServer) Scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// SetScope changes the scope granted to new tokens and reported by introspection.
func (s *FitbitServer) SetScope(scope string) {
	s.mu.Lock()
	s.scope = scope
	s.mu.Unlock()
}

// SetExpiresIn sets the lifetime of new tokens in seconds.
func (s *FitbitServer) SetExpiresIn(seconds int) {
	s.mu.Lock()
	s.expiresIn = seconds
	s.mu.Unlock()
}

// SetFailRefresh makes refresh grants fail with invalid_grant.
func (s *FitbitServer) SetFailRefresh(fail bool) {
	s.mu.Lock()
	s.failRefresh = fail
	s.mu.Unlock()
}

// SetStatus forces an API path to answer with status.
func (s *FitbitServer) SetStatus(path string, status int) {
	s.mu.Lock()
	s.statuses[path] = status
	s.mu.Unlock()
}

// SetBody sets the JSON body returned for an API path.
func (s *FitbitServer) SetBody(path, body string) {
	s.mu.Lock()
	s.bodies[path] = body
	s.mu.Unlock()
}

// Requests returns every request seen so far.
func (s *FitbitServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// RequestCount counts requests whose path starts with prefix.
func (s *FitbitServer) RequestCount(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if strings.HasPrefix(r.Path, prefix) {
			n++
		}
	}
	return n
}

// GrantCount counts token requests of the given grant type.
func (s *FitbitServer) GrantCount(grantType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.GrantType == grantType {
			n++
		}
	}
	return n
}

// Revoked returns the tokens revoked so far.
func (s *FitbitServer) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

// RateRemaining returns the value of the last Fitbit-Rate-Limit-Remaining header.
func (s *FitbitServer) RateRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rateRemaining
}

func (s *FitbitServer) record(r *http.Request, grantType string) {
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		GrantType:     grantType,
		Time:          time.Now(),
	})
	s.mu.Unlock()
}

func writeFitbitError(w http.ResponseWriter, status int, errorType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"errors":  []map[string]string{{"errorType": errorType, "message": message}},
		"success": false,
	})
}

func (s *FitbitServer) clientAuthorized(w http.ResponseWriter, r *http.Request) bool {
	id, secret, ok := r.BasicAuth()
	if !ok || id != FakeClientID || secret != FakeClientSecret {
		writeFitbitError(w, http.StatusUnauthorized, "invalid_client", "Invalid authorization header")
		return false
	}
	return true
}

// issueLocked mints a token pair. Callers hold s.mu.
func (s *FitbitServer) issueLocked() map[string]interface{} {
	s.issued++
	access := "access-" + strconv.Itoa(s.issued)
	refresh := "refresh-" + strconv.Itoa(s.issued)
	s.tokens[access] = true
	s.refreshTokens[refresh] = true
	return map[string]interface{}{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    s.expiresIn,
		"scope":         s.scope,
		"user_id":       FakeProviderUserID,
	}
}

func (s *FitbitServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeFitbitError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	grantType := r.PostForm.Get("grant_type")
	s.record(r, grantType)
	if !s.clientAuthorized(w, r) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch grantType {
	case "authorization_code":
		code := r.PostForm.Get("code")
		want, ok := s.challenges[code]
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if !ok || base64.RawURLEncoding.EncodeToString(sum[:]) != want {
			writeFitbitError(w, http.StatusBadRequest, "invalid_grant", "Authorization code invalid: "+code)
			return
		}
		delete(s.challenges, code)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.issueLocked())
	case "refresh_token":
		refresh := r.PostForm.Get("refresh_token")
		if s.failRefresh || !s.refreshTokens[refresh] {
			writeFitbitError(w, http.StatusBadRequest, "invalid_grant", "Refresh token invalid: "+refresh)
			return
		}
		delete(s.refreshTokens, refresh)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.issueLocked())
	default:
		writeFitbitError(w, http.StatusBadRequest, "unsupported_grant_type", grantType)
	}
}

func (s *FitbitServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	s.record(r, "")
	if !s.clientAuthorized(w, r) {
		return
	}
	token := r.PostForm.Get("token")
	s.mu.Lock()
	s.revoked = append(s.revoked, token)
	delete(s.tokens, token)
	delete(s.refreshTokens, token)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *FitbitServer) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	s.record(r, "")
	if !s.clientAuthorized(w, r) {
		return
	}
	token := r.PostForm.Get("token")
	s.mu.Lock()
	active := s.tokens[token]
	scope := s.scope
	s.mu.Unlock()

	info := map[string]interface{}{"active": active}
	if active {
		info["scope"] = introspectScope(scope)
		info["client_id"] = FakeClientID
		info["user_id"] = FakeProviderUserID
		info["token_type"] = "access_token"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

// introspectScope renders scopes the way the introspection endpoint does,
// e.g. "{SLEEP=READ, ACTIVITY=READ}".
func introspectScope(scope string) string {
	parts := strings.Fields(scope)
	for i, p := range parts {
		parts[i] = strings.ToUpper(p) + "=READ"
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (s *FitbitServer) handleAPI(w http.ResponseWriter, r *http.Request) {
	s.record(r, "")

	access := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	active := s.tokens[access]
	status, forced := s.statuses[r.URL.Path]
	body, hasBody := s.bodies[r.URL.Path]
	if s.rateRemaining > 0 {
		s.rateRemaining--
	}
	w.Header().Set(headers.HeaderLimit, strconv.Itoa(s.rateLimit))
	w.Header().Set(headers.HeaderRemaining, strconv.Itoa(s.rateRemaining))
	w.Header().Set(headers.HeaderReset, "1800")
	s.mu.Unlock()

	if !active {
		writeFitbitError(w, http.StatusUnauthorized, "invalid_token", "Access token invalid: "+access)
		return
	}
	if forced {
		switch status {
		case http.StatusTooManyRequests:
			w.Header().Set(headers.HeaderRetryAfter, "1")
			writeFitbitError(w, status, "system", "Too Many Requests")
		case http.StatusForbidden:
			writeFitbitError(w, status, "insufficient_scope", "This application does not have permission to access this data")
		case http.StatusNotFound:
			writeFitbitError(w, status, "not_found", "The API you are requesting could not be found")
		default:
			writeFitbitError(w, status, "system", http.StatusText(status))
		}
		return
	}

	if !hasBody {
		body = fmt.Sprintf(`{"path":%q}`, r.URL.Path)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}
