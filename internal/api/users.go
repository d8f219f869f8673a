package api

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yuguri76/fitbit/internal/errors"
	"github.com/yuguri76/fitbit/internal/logging"
	"github.com/yuguri76/fitbit/internal/models"
	"github.com/yuguri76/fitbit/internal/scheduler"
)

// UserResponse summarizes one authorized user. Secrets are never returned.
type UserResponse struct {
	UserID        string    `json:"user_id"`
	Scope         string    `json:"scope,omitempty"`
	LastUpdated   time.Time `json:"last_updated"`
	ExpiresAt     time.Time `json:"expires_at"`
	TokenAgeSecs  int64     `json:"token_age_seconds"`
	NeedsRefresh  bool      `json:"needs_refresh"`
	HasRefreshKey bool      `json:"has_refresh_token"`
	Jobs          int       `json:"jobs"`
}

func (s *Server) handleListUsers(c *gin.Context) {
	ctx := c.Request.Context()
	users, err := s.tokens.ListUsers(ctx)
	if err != nil {
		s.logger.ErrorWithContext(ctx, "list users failed", "error", err)
		abortError(c, http.StatusInternalServerError, "store_error", "could not list users")
		return
	}

	jobsPerUser := make(map[string]int)
	if s.jobs != nil {
		for _, j := range s.jobs.Jobs() {
			jobsPerUser[j.UserID]++
		}
	}

	now := s.clock()
	out := make([]UserResponse, 0, len(users))
	for _, userID := range users {
		token, ok, err := s.tokens.GetToken(ctx, userID)
		if err != nil || !ok {
			continue
		}
		out = append(out, UserResponse{
			UserID:        userID,
			Scope:         token.Scope,
			LastUpdated:   token.LastUpdated,
			ExpiresAt:     token.ExpiresAt(),
			TokenAgeSecs:  int64(token.Age(now).Seconds()),
			NeedsRefresh:  token.NeedsRefresh(now),
			HasRefreshKey: token.RefreshToken != "",
			Jobs:          jobsPerUser[userID],
		})
	}
	c.JSON(http.StatusOK, gin.H{"users": out, "count": len(out)})
}

// handleRemoveUser stops a user's jobs and revokes their stored credentials.
func (s *Server) handleRemoveUser(c *gin.Context) {
	userID := c.Param("user_id")
	ctx := logging.WithUserID(c.Request.Context(), userID)

	stopped := 0
	if s.jobs != nil {
		stopped = s.jobs.StopUser(userID)
	}
	if err := s.auth.Invalidate(ctx, userID); err != nil {
		s.logger.ErrorWithContext(ctx, "invalidate user failed", "error", err)
		abortError(c, http.StatusInternalServerError, "store_error", "could not remove credentials")
		return
	}

	s.logger.Audit(logging.NewAuditEvent(logging.UserRemoved, "remove_user", logging.StatusSuccess).
		WithUserID(userID).
		WithDetails(map[string]interface{}{"jobs_stopped": stopped}))
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "jobs_stopped": stopped})
}

func (s *Server) handleListJobs(c *gin.Context) {
	var jobs []models.ScheduledJob
	if s.jobs != nil {
		jobs = s.jobs.Jobs()
	}
	if jobs == nil {
		jobs = []models.ScheduledJob{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// handleCollectNow runs one registered job synchronously.
func (s *Server) handleCollectNow(c *gin.Context) {
	userID := c.Param("user_id")
	cadence, err := models.ParseCadence(c.Param("cadence"))
	if err != nil {
		abortError(c, http.StatusBadRequest, "invalid_cadence", err.Error())
		return
	}
	if s.jobs == nil {
		abortError(c, http.StatusServiceUnavailable, "scheduler_disabled", "scheduler is not running")
		return
	}

	ctx := logging.WithUserID(c.Request.Context(), userID)
	err = s.jobs.RunNow(ctx, userID, cadence)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "cadence": cadence, "status": "completed"})
	case stderrors.Is(err, scheduler.ErrJobNotFound):
		abortError(c, http.StatusNotFound, "job_not_found", err.Error())
	case errors.IsAuthFailure(err):
		abortError(c, http.StatusConflict, "reauth_required", err.Error())
	default:
		abortError(c, http.StatusBadGateway, "collection_failed", err.Error())
	}
}
