// Package auth issues and verifies the bearer tokens that gate the
// watchlist API (internal/api's /watchlist routes); the chat route is
// not behind this middleware. The gateway has no user registration or password flow of
// its own — accounts are provisioned elsewhere — so this package is
// trimmed to the token issue/verify pair a thin collaborator needs.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// UserClaims identifies the caller a token was issued to.
type UserClaims struct {
	UserID string `json:"user_id"`
}

// Claims is the JWT claim set: UserClaims plus the registered fields.
type Claims struct {
	UserClaims
	jwt.RegisteredClaims
}

// AuthError is a typed authentication failure with a stable code for
// HTTP responses.
type AuthError struct {
	Code    string
	Message string
}

func (e AuthError) Error() string { return e.Message }

var (
	ErrInvalidToken = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
)

// JWTManager issues and validates access tokens.
type JWTManager struct {
	secret              []byte
	accessTokenDuration time.Duration
}

// NewJWTManager creates a new JWT manager.
func NewJWTManager(secret string, accessDuration time.Duration) *JWTManager {
	return &JWTManager{secret: []byte(secret), accessTokenDuration: accessDuration}
}

// GenerateAccessToken issues a signed access token for the given user.
func (m *JWTManager) GenerateAccessToken(claims UserClaims) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserClaims: claims,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UserID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTokenDuration)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "marketfeed-gateway",
			Audience:  []string{"marketfeed-gateway-api"},
		},
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken validates an access token and returns its claims.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})

	if err != nil {
		if err == jwt.ErrTokenExpired {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return &claims.UserClaims, nil
}
