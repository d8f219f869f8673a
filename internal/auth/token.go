package auth

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/yuguri76/fitbit/internal/errors"
	"github.com/yuguri76/fitbit/internal/logging"
	"github.com/yuguri76/fitbit/internal/models"
)

// ValidToken returns the stored token, refreshing it first when it is within
// models.RefreshMargin of expiry.
func (f *Flow) ValidToken(ctx context.Context, userID string) (*models.UserToken, error) {
	token, ok, err := f.store.GetToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.ErrNoToken
	}
	if !token.NeedsRefresh(f.clock()) {
		return token, nil
	}
	return f.refresh(ctx, userID, false)
}

// Refresh exchanges the stored refresh token for a new token. On any failure
// the stored token is removed and *errors.ErrReauthRequired is returned.
// Concurrent refreshes for the same user share one provider request.
func (f *Flow) Refresh(ctx context.Context, userID string) (*models.UserToken, error) {
	return f.refresh(ctx, userID, true)
}

func (f *Flow) refresh(ctx context.Context, userID string, force bool) (*models.UserToken, error) {
	ch := f.refreshes.DoChan(userID, func() (interface{}, error) {
		// The shared request outlives any single caller's cancellation.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.requestTimeout())
		defer cancel()
		return f.doRefresh(rctx, userID, force)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.UserToken).Clone(), nil
	}
}

func (f *Flow) doRefresh(ctx context.Context, userID string, force bool) (*models.UserToken, error) {
	current, ok, err := f.store.GetToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.ErrNoToken
	}
	// Another caller may have refreshed while this one waited for the store.
	if !force && !current.NeedsRefresh(f.clock()) {
		return current, nil
	}
	if current.RefreshToken == "" {
		f.metrics.RecordTokenRefresh("no_refresh_token")
		return nil, errors.ErrNoRefreshToken
	}

	src := f.oauth.TokenSource(f.httpContext(ctx), &oauth2.Token{RefreshToken: current.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		f.metrics.RecordTokenRefresh("failure")
		if rmErr := f.store.RemoveToken(ctx, userID); rmErr != nil {
			f.logger.ErrorWithContext(ctx, "failed to purge token after refresh failure", "user_id", userID, "error", rmErr)
		}
		f.logger.Audit(logging.NewAuditEvent(logging.TokenPurged, "refresh", logging.StatusFailure).
			WithUserID(userID).
			WithError(err))
		return nil, &errors.ErrReauthRequired{UserID: userID, Err: exchangeError(err)}
	}

	next := f.toUserToken(userID, tok)
	if next.ProviderUserID == "" {
		next.ProviderUserID = current.ProviderUserID
	}
	if next.Scope == "" {
		next.Scope = current.Scope
	}
	if err := f.store.PutToken(ctx, userID, next); err != nil {
		f.metrics.RecordTokenRefresh("store_error")
		return nil, err
	}

	f.metrics.RecordTokenRefresh("success")
	f.logger.Audit(logging.NewAuditEvent(logging.TokenRefresh, "refresh", logging.StatusSuccess).
		WithUserID(userID).
		WithDetails(map[string]interface{}{"expires_in": next.ExpiresIn}))
	return next, nil
}

func (f *Flow) requestTimeout() time.Duration {
	if f.cfg.RequestTimeout > 0 {
		return f.cfg.RequestTimeout
	}
	return 30 * time.Second
}
