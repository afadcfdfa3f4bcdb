package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callcore-backend/pkg/jwt"
)

type stubRevocation struct {
	revoked bool
	err     error
}

func (s stubRevocation) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	return s.revoked, s.err
}

func newAuthRouter(manager *jwt.JWTManager, checker RevocationChecker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", AuthMiddleware(manager, checker), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":   c.MustGet("user_id").(uuid.UUID).String(),
			"device_id": c.GetString("device_id"),
		})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret", "callcore-api", time.Minute)
	userID := uuid.New()
	token, err := manager.GenerateAccessToken(userID, "alice", "phone", "user")
	require.NoError(t, err)

	other := jwt.NewJWTManager("test-secret", "other-api", time.Minute)
	foreign, err := other.GenerateAccessToken(userID, "alice", "", "user")
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		query   string
		checker RevocationChecker
		want    int
	}{
		{name: "bearer header", header: "Bearer " + token, want: http.StatusOK},
		{name: "query token", query: "?token=" + token, want: http.StatusOK},
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + token, want: http.StatusUnauthorized},
		{name: "wrong audience", header: "Bearer " + foreign, want: http.StatusUnauthorized},
		{name: "revoked", header: "Bearer " + token, checker: stubRevocation{revoked: true}, want: http.StatusUnauthorized},
		{name: "revocation store down", header: "Bearer " + token, checker: stubRevocation{err: errors.New("redis down")}, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			newAuthRouter(manager, tt.checker).ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Contains(t, w.Body.String(), userID.String())
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORSMiddleware([]string{"https://app.example.com"}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
