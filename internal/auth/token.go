package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// The two failure modes stay distinct all the way to the HTTP layer:
// a request without a usable token is unauthenticated (401), a request
// with a bad or expired one is forbidden (403).
var (
	ErrTokenMissing = errors.New("token missing")
	ErrTokenInvalid = errors.New("token invalid or expired")
)

type claims struct {
	jwt.RegisteredClaims
	UserID int64 `json:"uid"`
}

// TokenManager issues and verifies HS256-signed session tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	return &TokenManager{secret: []byte(secret), ttl: ttl}
}

// Issue mints a token for userID expiring ttl from now.
func (m *TokenManager) Issue(userID int64) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		UserID: userID,
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify returns the userID carried by tokenString. An empty or
// structurally unparseable token is ErrTokenMissing; a parseable token
// failing signature or expiry checks is ErrTokenInvalid.
func (m *TokenManager) Verify(tokenString string) (int64, error) {
	if tokenString == "" {
		return 0, ErrTokenMissing
	}

	parsed := &claims{}
	token, err := jwt.ParseWithClaims(tokenString, parsed, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return 0, ErrTokenMissing
		}
		return 0, ErrTokenInvalid
	}
	if !token.Valid {
		return 0, ErrTokenInvalid
	}
	return parsed.UserID, nil
}
