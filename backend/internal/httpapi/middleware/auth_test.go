package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAccessToken(t *testing.T) {
	secret := []byte("s3cret")
	tok, err := SignAccessToken(secret, "alice", "Alice", time.Minute)
	require.NoError(t, err)

	claims, err := ParseAccessToken(secret, tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "Alice", claims.Username)

	_, err = ParseAccessToken([]byte("other"), tok)
	assert.Error(t, err)

	expired, err := SignAccessToken(secret, "alice", "Alice", -time.Minute)
	require.NoError(t, err)
	_, err = ParseAccessToken(secret, expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	refresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Type: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString(secret)
	require.NoError(t, err)
	_, err = ParseAccessToken(secret, refresh)
	assert.ErrorIs(t, err, ErrWrongTokenType)
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	secret := []byte("s3cret")
	r := gin.New()
	r.GET("/me", AuthMiddleware(secret), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("userId"))
	})
	tok, err := SignAccessToken(secret, "alice", "Alice", time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		query  string
		status int
		body   string
	}{
		{name: "bearer header", header: "Bearer " + tok, status: http.StatusOK, body: "alice"},
		{name: "lowercase prefix", header: "bearer " + tok, status: http.StatusOK, body: "alice"},
		{name: "query token", query: "?token=" + tok, status: http.StatusOK, body: "alice"},
		{name: "missing", status: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer nope", status: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, w.Body.String())
			}
		})
	}
}
