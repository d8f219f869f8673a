// Package auth implements the OAuth2 authorization code flow with PKCE against
// Fitbit, plus token refresh, revocation and introspection.
package auth

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/yuguri76/fitbit/internal/config"
	"github.com/yuguri76/fitbit/internal/errors"
	"github.com/yuguri76/fitbit/internal/logging"
	"github.com/yuguri76/fitbit/internal/models"
	"github.com/yuguri76/fitbit/internal/store"
)

// Recorder receives credential lifecycle counters.
type Recorder interface {
	RecordAuthorization(outcome string)
	RecordTokenRefresh(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAuthorization(string) {}
func (nopRecorder) RecordTokenRefresh(string)  {}

// Flow drives the authorization code + PKCE flow and keeps stored tokens fresh.
type Flow struct {
	cfg     config.FitbitConfig
	oauth   *oauth2.Config
	store   store.CredentialStore
	client  *http.Client
	logger  *logging.Logger
	metrics Recorder
	clock   func() time.Time

	refreshes singleflight.Group
}

// Option configures a Flow.
type Option func(*Flow)

// WithHTTPClient sets the client used for token, revoke and introspect calls.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Flow) {
		f.client = c
	}
}

// WithLogger sets the flow logger.
func WithLogger(l *logging.Logger) Option {
	return func(f *Flow) {
		f.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(f *Flow) {
		f.metrics = r
	}
}

// WithClock overrides time.Now for token age computations.
func WithClock(clock func() time.Time) Option {
	return func(f *Flow) {
		f.clock = clock
	}
}

// NewFlow creates a flow for the configured Fitbit application.
func NewFlow(cfg config.FitbitConfig, st store.CredentialStore, opts ...Option) *Flow {
	f := &Flow{
		cfg:     cfg,
		store:   st,
		logger:  logging.NewNop(),
		metrics: nopRecorder{},
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		f.client = &http.Client{Timeout: timeout}
	}

	f.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthorizationEndpoint,
			TokenURL:  cfg.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		RedirectURL: cfg.CallbackURI(),
		Scopes:      cfg.Scopes(),
	}
	return f
}

// Store returns the credential store backing the flow.
func (f *Flow) Store() store.CredentialStore {
	return f.store
}

func (f *Flow) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.client)
}

// AuthorizationURL stores a fresh PKCE verifier for userID, replacing any
// pending one, and returns the provider consent URL. The user ID travels as state.
func (f *Flow) AuthorizationURL(ctx context.Context, userID string) (string, error) {
	verifier, challenge := GenerateChallenge()
	if err := f.store.PutChallenge(ctx, userID, verifier); err != nil {
		return "", err
	}

	params := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if f.cfg.TokenLifetime > 0 {
		params = append(params, oauth2.SetAuthURLParam("expires_in", strconv.Itoa(f.cfg.TokenLifetime)))
	}

	f.logger.Audit(logging.NewAuditEvent(logging.AuthStarted, "authorization_url", logging.StatusSuccess).
		WithUserID(userID).
		WithDetails(map[string]interface{}{"redirect_uri": f.oauth.RedirectURL}))

	return f.oauth.AuthCodeURL(userID, params...), nil
}

// HandleCallback exchanges an authorization code for a token and stores it
// under state. The consumed verifier is deleted only on success.
func (f *Flow) HandleCallback(ctx context.Context, code, state string) (*models.UserToken, error) {
	verifier, ok, err := f.store.GetChallenge(ctx, state)
	if err != nil {
		return nil, err
	}
	if !ok {
		f.metrics.RecordAuthorization("missing_challenge")
		return nil, errors.ErrMissingChallenge
	}

	tok, err := f.oauth.Exchange(f.httpContext(ctx), code,
		oauth2.VerifierOption(verifier),
		oauth2.SetAuthURLParam("client_id", f.cfg.ClientID),
	)
	if err != nil {
		f.metrics.RecordAuthorization("failure")
		exErr := exchangeError(err)
		f.logger.Audit(logging.NewAuditEvent(logging.AuthFailure, "exchange_code", logging.StatusFailure).
			WithUserID(state).
			WithError(exErr))
		return nil, exErr
	}

	token := f.toUserToken(state, tok)
	if err := f.store.PutToken(ctx, state, token); err != nil {
		return nil, err
	}
	if err := f.store.RemoveChallenge(ctx, state); err != nil {
		f.logger.WarnWithContext(ctx, "failed to remove consumed pkce verifier", "user_id", state, "error", err)
	}

	f.metrics.RecordAuthorization("success")
	f.logger.Audit(logging.NewAuditEvent(logging.AuthSuccess, "exchange_code", logging.StatusSuccess).
		WithUserID(state).
		WithDetails(map[string]interface{}{"scope": token.Scope, "expires_in": token.ExpiresIn}))
	return token, nil
}

func exchangeError(err error) *errors.ErrAuthExchangeFailed {
	var re *oauth2.RetrieveError
	if stderrors.As(err, &re) {
		out := &errors.ErrAuthExchangeFailed{Body: string(re.Body), Err: err}
		if re.Response != nil {
			out.Status = re.Response.StatusCode
		}
		return out
	}
	return &errors.ErrAuthExchangeFailed{Err: err}
}

// toUserToken converts a token endpoint response into a stored record.
func (f *Flow) toUserToken(userID string, tok *oauth2.Token) *models.UserToken {
	now := f.clock()
	t := &models.UserToken{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
		LastUpdated:  now,
	}
	if t.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		t.ExpiresIn = int64(tok.Expiry.Sub(now).Round(time.Second) / time.Second)
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		t.Scope = scope
	}
	if uid, ok := tok.Extra("user_id").(string); ok {
		t.ProviderUserID = uid
	}
	return t
}
