// Package middleware provides authentication, request logging, and rate
// limiting middleware for the triggerd HTTP transport. API keys are stored
// as salted bcrypt hashes and presented as "keyID.secret" bearer tokens.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

var errUnknownAPIKey = errors.New("unknown api key")

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}

// KeyHashLookup resolves an API key ID to its stored secret hash. Revoked or
// unknown keys must return an error.
type KeyHashLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

// APIKeyValidator validates "keyID.secret" bearer tokens against hashes
// stored through a [KeyHashLookup], typically the Postgres repository.
type APIKeyValidator struct {
	lookup KeyHashLookup
}

func NewAPIKeyValidator(lookup KeyHashLookup) *APIKeyValidator {
	return &APIKeyValidator{lookup: lookup}
}

// ValidateToken checks a bearer token and returns the API key ID on success.
func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return "", errUnknownAPIKey
	}

	hash, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", errUnknownAPIKey
	}
	if !APIKeyMatchesHash(hash, secret) {
		return "", errUnknownAPIKey
	}

	return keyID, nil
}
