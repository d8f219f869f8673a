package collector

import (
	"context"

	"github.com/yuguri76/fitbit/internal/errors"
)

// SoftResult describes how a soft call ended.
type SoftResult struct {
	// Defaulted is set when the default value was returned instead of a response.
	Defaulted bool
	// ReauthRequired is set on 403: the token lacks access and the caller
	// should invalidate it.
	ReauthRequired bool
}

// SoftCall runs fn through the retrying client and substitutes def for
// "not found" and "forbidden" responses. Every other error, including an
// exhausted rate limit, is returned unchanged.
func SoftCall[T any](ctx context.Context, c *RetryingClient, userID string, def T, fn func(ctx context.Context) (T, error)) (T, SoftResult, error) {
	v, err := Call(ctx, c, userID, fn)
	switch {
	case err == nil:
		return v, SoftResult{}, nil
	case errors.IsNotFound(err):
		return def, SoftResult{Defaulted: true}, nil
	case errors.IsForbidden(err):
		return def, SoftResult{Defaulted: true, ReauthRequired: true}, nil
	}
	return def, SoftResult{}, err
}
