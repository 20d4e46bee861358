package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// RequireAccessToken verifies an access token and injects identity into request context.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := TokenFromRequest(c.Request)
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(tok, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := WithUserID(c.Request.Context(), claims.UserID)
		c.Request = c.Request.WithContext(ctx)

		// Also store on gin context for handler convenience.
		c.Set("user_id", claims.UserID)

		c.Next()
	}
}

// TokenFromRequest extracts a bearer token from the Authorization header or,
// for websocket upgrades where browsers cannot set headers, the token query
// parameter.
func TokenFromRequest(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get(authorizationHeader))
	if strings.HasPrefix(raw, bearerPrefix) {
		return strings.TrimPrefix(raw, bearerPrefix)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
