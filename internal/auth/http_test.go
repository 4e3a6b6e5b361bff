// ABOUTME: Tests for the REST bearer token middleware
// ABOUTME: Verifies 401 responses and principal propagation into handlers

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(verifier TokenVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/whoami", RequireToken(verifier), func(c *gin.Context) {
		c.String(http.StatusOK, Principal(c))
	})
	return r
}

func TestRequireToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	valid, err := verifier.Generate("user-1", time.Hour)
	require.NoError(t, err)
	expired, err := verifier.Generate("user-1", -time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantBody string
	}{
		{"valid", "Bearer " + valid, http.StatusOK, "user-1"},
		{"missing header", "", http.StatusUnauthorized, `{"error":"missing authorization header"}`},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, `{"error":"invalid authorization header format"}`},
		{"empty token", "Bearer ", http.StatusUnauthorized, `{"error":"empty token"}`},
		{"bad token", "Bearer nope", http.StatusUnauthorized, `{"error":"invalid token"}`},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, `{"error":"token expired"}`},
	}
	router := newTestRouter(verifier)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			} else {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}
