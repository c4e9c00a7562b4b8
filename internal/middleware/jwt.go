package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
)

var errNoToken = errors.New("authorization header or token query required")

// RequireProctorJWT validates a proctor JWT from the Authorization header,
// or the token query parameter for EventSource clients.
func RequireProctorJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireRole(authService, service.RoleProctor, response.ErrProctorAccessOnly, true)
}

// RequireParticipantWSAuth validates a participant JWT from the query param ?token=...
// Used for WebSocket upgrade requests.
func RequireParticipantWSAuth(authService *service.AuthService) gin.HandlerFunc {
	return requireRole(authService, service.RoleParticipant, response.ErrParticipantAccessOnly, false)
}

func requireRole(authService *service.AuthService, role service.Role, wrongRole response.ErrCode, header bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, err := extractToken(c, header)
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		claims, err := authService.ValidateRole(tokenStr, role)
		if errors.Is(err, service.ErrWrongRole) {
			response.AbortFail(c, http.StatusForbidden, wrongRole)
			return
		}
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*service.Claims)
	if !ok {
		return nil
	}
	return claims
}

func extractToken(c *gin.Context, header bool) (string, error) {
	tokenStr := ""

	if header {
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
				tokenStr = parts[1]
			}
		}
	}

	// Browsers cannot set headers on WebSocket or EventSource requests.
	if tokenStr == "" {
		tokenStr = c.Query("token")
	}

	if tokenStr == "" {
		return "", errNoToken
	}
	return tokenStr, nil
}
