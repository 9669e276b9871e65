package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tutorlink/backend/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Principal is the authenticated caller as seen by the core.
type Principal struct {
	UserID uuid.UUID
	Role   models.Role
	Name   string
}

// HasRole reports whether the principal holds one of roles.
func (p Principal) HasRole(roles ...models.Role) bool {
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}

// Claims holds JWT claims including user ID and role.
type Claims struct {
	UserID uuid.UUID   `json:"user_id"`
	Role   models.Role `json:"role"`
	Name   string      `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Principal returns the caller identity carried by the claims.
func (c *Claims) Principal() Principal {
	return Principal{UserID: c.UserID, Role: c.Role, Name: c.Name}
}

// JWTService validates tokens issued by the account service.
type JWTService struct {
	secret      []byte
	expireHours int
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
	}
}

// Generate creates a token for p. The account service issues tokens in production;
// this is used by tooling and tests sharing the secret.
func (s *JWTService) Generate(p Principal) (string, error) {
	claims := Claims{
		UserID: p.UserID,
		Role:   p.Role,
		Name:   p.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
