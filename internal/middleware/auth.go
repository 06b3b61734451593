package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"circles-server/internal/auth"
	"circles-server/internal/circles"
)

const identityContextKey = "identity"

func IdentityFromContext(c *gin.Context) (circles.Identity, bool) {
	v, ok := c.Get(identityContextKey)
	if !ok {
		return circles.Identity{}, false
	}
	id, ok := v.(circles.Identity)
	return id, ok && id.ParticipantID != ""
}

func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		claims, err := auth.VerifyToken(parts[1], cfg)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		c.Set(identityContextKey, circles.Identity{
			ParticipantID: claims.ParticipantID,
			Entitled:      claims.Entitled,
		})
		c.Next()
	}
}
