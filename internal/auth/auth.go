// Package auth issues and validates the session-resume tokens handed out
// on a successful SETNAME and redeemed by the RESUME verb, letting a
// client reclaim its username after a reconnect without re-authenticating
// against the store. Room membership and ownership are not restored.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every way a resume token can fail validation:
// bad signature, expiry, or a malformed claim set.
var ErrInvalidToken = errors.New("invalid or expired resume token")

// TokenService signs and verifies resume tokens with an HMAC secret
// supplied at startup.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService. secret should be at least 32
// bytes; ttl controls how long an issued token remains redeemable.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), ttl: ttl}
}

type resumeClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Issue returns a signed resume token binding username.
func (t *TokenService) Issue(username string) (string, error) {
	now := time.Now()
	claims := resumeClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign resume token: %w", err)
	}
	return signed, nil
}

// Validate parses tokenString and returns the bound username.
func (t *TokenService) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &resumeClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*resumeClaims)
	if !ok || claims.Username == "" {
		return "", ErrInvalidToken
	}
	return claims.Username, nil
}
