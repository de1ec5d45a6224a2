// Package identity extracts the local user from the service-issued
// access token. The client never verifies the signature — it has no
// secret — the relay server is the authority and rejects bad tokens at
// connect time. The claims are only used for self-addressing (knowing
// our own user id lets us drop echoes and label outbound offers).
package identity

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the token claims the moznods service issues.
type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Self is the local user as derived from the token.
type Self struct {
	UserID   int64
	Username string
	Token    string
}

// FromToken parses the raw token without verifying the signature.
func FromToken(token string) (Self, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Self{}, errors.New("empty token")
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Self{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.UserID == 0 {
		return Self{}, errors.New("token has no user_id claim")
	}

	return Self{
		UserID:   claims.UserID,
		Username: claims.Username,
		Token:    token,
	}, nil
}

// FromTokenFile reads a token from path (first line) and parses it.
func FromTokenFile(path string) (Self, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Self{}, fmt.Errorf("read token file: %w", err)
	}
	raw, _, _ := strings.Cut(string(b), "\n")
	return FromToken(raw)
}
