package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chatsync/internal/auth"
)

// TokenFromRequest returns the session token from the Authorization bearer header,
// the token header, or, when allowQuery is set, the token query parameter.
func TokenFromRequest(r *http.Request, allowQuery bool) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}

// AuthMiddleware validates the session token and stores the caller's id under "userID".
func AuthMiddleware(validator auth.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c.Request, false)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		userID, err := validator.ValidateToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("userID", userID)
		c.Next()
	}
}
