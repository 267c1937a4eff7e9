package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/books_reconcile/config"
	"github.com/mmdatafocus/books_reconcile/utils"
)

const (
	PlatformTokenHeader = "X-Platform-Token"
	BusinessIdHeader    = "X-Business-Id"
)

// BearerToken copies an `Authorization: Bearer` credential into the `token` header when the
// client did not send one.
func BearerToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("token") == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				if token := strings.TrimSpace(auth[7:]); token != "" {
					c.Request.Header.Set("token", token)
				}
			}
		}
		c.Next()
	}
}

// AuthMiddleware validates the session JWT and stores the user id, the platform token and the
// business id on the request context. Requests without a valid token are rejected.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader("token"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		userId, err := utils.UserIdFromToken(token)
		if err != nil {
			config.LogError(config.GetLogger(), "middlewares", "AuthMiddleware", "validate token", c.Request.URL.Path, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUserIdInContext(ctx, userId)
		if v := strings.TrimSpace(c.GetHeader(PlatformTokenHeader)); v != "" {
			ctx = utils.SetPlatformTokenInContext(ctx, v)
		}
		if v := strings.TrimSpace(c.GetHeader(BusinessIdHeader)); v != "" {
			ctx = utils.SetBusinessIdInContext(ctx, v)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
