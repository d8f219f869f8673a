package store

import (
	"context"
	"fmt"
	"time"

	"github.com/yuguri76/fitbit/internal/config"
	"github.com/yuguri76/fitbit/internal/logging"
	"github.com/yuguri76/fitbit/internal/models"
)

// CredentialStore persists OAuth tokens and pending PKCE verifiers keyed by user ID.
// Every write replaces the whole record and every read observes the latest
// committed write.
type CredentialStore interface {
	PutToken(ctx context.Context, userID string, token *models.UserToken) error
	GetToken(ctx context.Context, userID string) (*models.UserToken, bool, error)
	RemoveToken(ctx context.Context, userID string) error

	PutChallenge(ctx context.Context, userID, verifier string) error
	// GetChallenge returns the verifier unless it is older than models.ChallengeTTL,
	// in which case the record is deleted and reported absent.
	GetChallenge(ctx context.Context, userID string) (string, bool, error)
	RemoveChallenge(ctx context.Context, userID string) error

	// ListUsers returns every user that holds a token, sorted.
	ListUsers(ctx context.Context) ([]string, error)

	Close() error
}

// Clock returns the current time.
type Clock func() time.Time

type options struct {
	clock  Clock
	logger *logging.Logger
}

// Option configures a store.
type Option func(*options)

// WithClock overrides time.Now, e.g. to test the challenge TTL boundary.
func WithClock(clock Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithLogger sets the logger used for non-fatal store problems.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open builds the store selected by cfg.Driver.
func Open(cfg config.StoreConfig, opts ...Option) (CredentialStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return NewMemoryStore(opts...), nil
	case config.DriverFile:
		return NewFileStore(cfg.Path, opts...)
	case config.DriverSQLite:
		return NewSQLiteStore(cfg.Path, opts...)
	case config.DriverPostgres:
		return NewPostgresStore(cfg.DSN, opts...)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// stampToken copies token for storage, filling UserID and LastUpdated.
func stampToken(userID string, token *models.UserToken, now time.Time) (*models.UserToken, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if token == nil {
		return nil, fmt.Errorf("nil token for user %s", userID)
	}
	t := token.Clone()
	t.UserID = userID
	if t.LastUpdated.IsZero() {
		t.LastUpdated = now
	}
	return t, nil
}
