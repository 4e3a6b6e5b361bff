// ABOUTME: Gin middleware for JWT authentication on REST endpoints
// ABOUTME: Extracts the bearer token and stores the caller in the request context

package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// RequireToken rejects requests without a valid bearer token with 401 and
// attaches the verified AuthContext to the request context otherwise.
func RequireToken(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, errMsg := extractBearerToken(c.GetHeader("Authorization"))
		if errMsg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errMsg})
			return
		}

		principalID, err := verifier.Verify(token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, ErrExpiredToken) {
				msg = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Request = c.Request.WithContext(WithAuth(c.Request.Context(), &AuthContext{PrincipalID: principalID}))
		c.Next()
	}
}

// Principal returns the verified user ID for a request that passed
// RequireToken, or "" if none.
func Principal(c *gin.Context) string {
	if a := FromContext(c.Request.Context()); a != nil {
		return a.PrincipalID
	}
	return ""
}
