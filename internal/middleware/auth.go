package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"nudge-server/internal/auth"
)

const (
	userIDContextKey  = "userID"
	tokenIDContextKey = "tokenID"
)

func UserIDFromContext(c *gin.Context) (int64, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return 0, false
	}
	value, ok := userID.(int64)
	return value, ok && value > 0
}

// TokenIDFromContext returns the jti of the token that authenticated the
// request.
func TokenIDFromContext(c *gin.Context) string {
	return c.GetString(tokenIDContextKey)
}

// bearerToken reads the Authorization header, falling back to a "token"
// query parameter for clients that cannot set headers.
func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", false
		}
		return token, true
	}
	token := c.Query("token")
	return token, token != ""
}

func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		claims, err := auth.VerifyToken(token, cfg)
		if err != nil {
			slog.Debug("auth: token rejected", "path", c.FullPath(), "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		c.Set(userIDContextKey, claims.UserID)
		c.Set(tokenIDContextKey, claims.ID)
		c.Next()
	}
}
