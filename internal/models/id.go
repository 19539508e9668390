package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/oklog/ulid/v2"
)

const (
	SecretPrefix = "whsec_"
	APIKeyPrefix = "pk_"
	secretBytes  = 32
	apiKeyBytes  = 24
)

func NewID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, ulid.Make().String())
}

func NewAPIKey() (string, error) {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(b), nil
}

// NewSecret returns a signing secret carrying 256 bits of entropy.
func NewSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return SecretPrefix + hex.EncodeToString(b), nil
}
