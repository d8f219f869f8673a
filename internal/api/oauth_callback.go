package api

import (
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yuguri76/fitbit/internal/errors"
	"github.com/yuguri76/fitbit/internal/logging"
)

// CallbackResponse is returned once an authorization code has been exchanged.
type CallbackResponse struct {
	Status    string `json:"status"`
	UserID    string `json:"user_id"`
	Scope     string `json:"scope,omitempty"`
	ExpiresIn int64  `json:"expires_in"`
	Scheduled bool   `json:"scheduled"`
}

// handleAuthorize redirects to the provider consent page with a fresh PKCE
// challenge. The user comes from the path or the user_id query parameter.
func (s *Server) handleAuthorize(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		userID = strings.TrimSpace(c.Query("user_id"))
	}
	if userID == "" {
		userID = strings.TrimSpace(c.Query("userId"))
	}
	if userID == "" {
		abortError(c, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}

	ctx := logging.WithUserID(c.Request.Context(), userID)
	authURL, err := s.auth.AuthorizationURL(ctx, userID)
	if err != nil {
		s.logger.ErrorWithContext(ctx, "failed to build authorization url", "error", err)
		abortError(c, http.StatusInternalServerError, "authorization_failed", "could not start authorization")
		return
	}
	c.Redirect(http.StatusFound, authURL)
}

// handleCallback exchanges the authorization code, stores the token under the
// state user and starts that user's collection jobs.
func (s *Server) handleCallback(c *gin.Context) {
	if denied := c.Query("error"); denied != "" {
		abortError(c, http.StatusBadRequest, "authorization_denied", denied+": "+c.Query("error_description"))
		return
	}

	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		abortError(c, http.StatusBadRequest, "missing_parameter", "code and state are required")
		return
	}

	ctx := logging.WithUserID(c.Request.Context(), state)
	token, err := s.auth.HandleCallback(ctx, code, state)
	if err != nil {
		s.logger.WarnWithContext(ctx, "authorization callback failed", "error", err)
		var exErr *errors.ErrAuthExchangeFailed
		switch {
		case stderrors.Is(err, errors.ErrMissingChallenge):
			abortError(c, http.StatusBadRequest, "invalid_state", err.Error())
		case stderrors.As(err, &exErr):
			abortError(c, http.StatusBadGateway, "exchange_failed", err.Error())
		default:
			abortError(c, http.StatusInternalServerError, "callback_failed", "could not complete authorization")
		}
		return
	}

	scheduled := false
	if s.jobs != nil && len(s.tasks) > 0 {
		if err := s.jobs.StartUser(token.UserID, s.tasks); err != nil {
			s.logger.ErrorWithContext(ctx, "failed to start collection jobs", "error", err)
		} else {
			scheduled = true
		}
	}

	c.JSON(http.StatusOK, CallbackResponse{
		Status:    "authorized",
		UserID:    token.UserID,
		Scope:     token.Scope,
		ExpiresIn: token.ExpiresIn,
		Scheduled: scheduled,
	})
}
