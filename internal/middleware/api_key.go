// Package middleware provides the HTTP and gRPC transport middleware for the
// compatibility server: bearer API key authentication, per-IP throttling of
// failed attempts, and request-scoped structured logging.
package middleware

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)) == nil
}

// FormatAPIKeyToken joins a key ID and secret into the bearer token handed to
// clients.
func FormatAPIKeyToken(keyID, secret string) string {
	return keyID + "." + secret
}

// ParseAPIKeyToken splits a bearer token of the form keyID.secret.
func ParseAPIKeyToken(token string) (keyID, secret string, ok bool) {
	keyID, secret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}
