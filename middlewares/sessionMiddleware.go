package middlewares

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/books_reconcile/platform"
	"github.com/mmdatafocus/books_reconcile/utils"
	"github.com/sirupsen/logrus"
)

var ErrPlatformSessionMissing = errors.New("X-Platform-Token and X-Business-Id are required")

// UserId returns the authenticated user of the request.
func UserId(ctx context.Context) (int, bool) {
	return utils.GetUserIdFromContext(ctx)
}

// PlatformSession builds the external platform session of the request.
func PlatformSession(ctx context.Context) (platform.Session, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return platform.Session{}, utils.ErrInvalidToken
	}
	token, _ := utils.GetPlatformTokenFromContext(ctx)
	business, _ := utils.GetBusinessIdFromContext(ctx)
	if token == "" || business == "" {
		return platform.Session{}, ErrPlatformSessionMissing
	}
	return platform.Session{UserId: userId, BusinessId: business, AccessToken: token}, nil
}

func CorrelationId() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.FullPath(),
			"latency":        time.Since(start).String(),
			"correlation_id": cid,
			"user_id":        userId,
		}).Info("request")
	}
}
