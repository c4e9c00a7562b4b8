package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuth() *service.AuthService {
	return service.NewAuthService(&config.Config{JWTSecret: "middleware-secret"})
}

func token(t *testing.T, auth *service.AuthService, sub string, role service.Role) string {
	t.Helper()
	tok, err := auth.IssueToken(sub, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireProctorJWT(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/rooms", RequireProctorJWT(auth), func(c *gin.Context) {
		c.String(http.StatusOK, GetClaims(c).Subject)
	})

	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/rooms", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, auth, "participant-1", service.RoleParticipant))
	assert.Equal(t, http.StatusForbidden, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/rooms", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/rooms", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, auth, "proctor-1", service.RoleProctor))
	w := serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "proctor-1", w.Body.String())

	// EventSource fallback.
	req = httptest.NewRequest(http.MethodGet, "/rooms?token="+token(t, auth, "proctor-2", service.RoleProctor), nil)
	assert.Equal(t, http.StatusOK, serve(r, req).Code)
}

func TestRequireParticipantWSAuth_IgnoresHeader(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/stream", RequireParticipantWSAuth(auth), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, auth, "participant-1", service.RoleParticipant))
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/stream?token="+token(t, auth, "participant-1", service.RoleParticipant), nil)
	assert.Equal(t, http.StatusOK, serve(r, req).Code)
}

func TestRateLimiter_PerSubject(t *testing.T) {
	auth := newAuth()
	rl := NewRateLimiter(2, time.Minute, ByTokenSubject)
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	r := gin.New()
	r.GET("/stream", RequireParticipantWSAuth(auth), rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	alice := token(t, auth, "participant-1", service.RoleParticipant)
	bob := token(t, auth, "participant-2", service.RoleParticipant)
	get := func(tok string) int {
		return serve(r, httptest.NewRequest(http.MethodGet, "/stream?token="+tok, nil)).Code
	}

	assert.Equal(t, http.StatusOK, get(alice))
	assert.Equal(t, http.StatusOK, get(alice))
	assert.Equal(t, http.StatusTooManyRequests, get(alice))
	assert.Equal(t, http.StatusOK, get(bob))

	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusOK, get(alice))

	now = now.Add(10 * time.Minute)
	rl.Cleanup()
	assert.Empty(t, rl.visitors)
}
