package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/config"
)

// Role distinguishes participant vs proctor tokens.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleProctor     Role = "proctor"
)

// ErrWrongRole is returned when a valid token carries another role.
var ErrWrongRole = errors.New("token role not allowed")

// Claims extends JWT standard claims with app-specific fields.
// Subject is the participant or proctor id issued by the identity provider.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// AuthService verifies tokens issued by the external identity provider.
type AuthService struct {
	cfg *config.Config
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{cfg: cfg}
}

// IssueToken signs a token for subject. Used by tooling and tests; production
// tokens come from the identity provider sharing JWT_SECRET.
func (s *AuthService) IssueToken(subject string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// ValidateRole validates a token and checks its role.
func (s *AuthService) ValidateRole(tokenStr string, role Role) (*Claims, error) {
	claims, err := s.ValidateToken(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Role != role {
		return nil, ErrWrongRole
	}
	return claims, nil
}
