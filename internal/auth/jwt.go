// Package auth issues and verifies the API's bearer tokens. The service has
// a single operator credential (APP_PASSWORD), so tokens carry no roles.
package auth

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type Claims struct {
	Sub string `json:"sub"`
	jwt.RegisteredClaims
}

func NewToken(secret, issuer, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	cl := Claims{
		Sub: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Audience:  []string{"clipline"},
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, cl)
	return token.SignedString([]byte(secret))
}

// VerifyPassword checks a login attempt against the configured credential.
// A credential starting with the bcrypt prefix is treated as a hash,
// anything else as a literal compared in constant time.
func VerifyPassword(configured, attempt string) bool {
	if configured == "" {
		return false
	}
	if strings.HasPrefix(configured, "$2a$") || strings.HasPrefix(configured, "$2b$") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(attempt)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(attempt)) == 1
}
