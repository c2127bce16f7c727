package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/devforge/orchestrator/internal/http/response"
)

// RequireOperator guards the job-mutating surface (spec §6 "Inbound HTTP"
// write endpoints) behind a bearer JWT signed with the operator secret. It
// does not model per-user identity — there is exactly one operator role —
// so a valid, unexpired token is sufficient.
func RequireOperator(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			// No secret configured: operator auth is disabled (local/dev use).
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		raw := strings.TrimPrefix(header, "Bearer ")
		if raw == "" || raw == header {
			response.RespondError(c, http.StatusUnauthorized, "missing_bearer_token", jwt.ErrTokenMalformed)
			c.Abort()
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			response.RespondError(c, http.StatusUnauthorized, "invalid_token", err)
			c.Abort()
			return
		}

		c.Next()
	}
}
