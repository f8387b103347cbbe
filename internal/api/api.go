// Package api exposes the connect/repository, settings, and interview HTTP
// surface consumed by the dashboard UI.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/reviewdeck/reviewdeck/internal/common/errors"
	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/events/bus"
)

// UserHeader carries the authenticated user id, set by the auth proxy in
// front of this service.
const UserHeader = "X-User-ID"

// RequireUser rejects requests without a user identity.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(UserHeader) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
			return
		}
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetHeader(UserHeader)
}

// respondError maps an application error to its HTTP status. Unrecognized
// errors become a 500 with a generic message so internals never leak.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	status := apperrors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// publish sends a bus event, best effort. A nil bus disables notifications.
func publish(c *gin.Context, eventBus bus.EventBus, log *logger.Logger, subject string, ev *bus.Event) {
	if eventBus == nil {
		return
	}
	if err := eventBus.Publish(c.Request.Context(), subject, ev); err != nil {
		log.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
