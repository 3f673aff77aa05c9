package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// APIKeyBytes is the amount of randomness in a generated key (40 hex characters)
const APIKeyBytes = 20

func HashString(s string) string {
	hasher := sha256.New()
	hasher.Write([]byte(s))
	return hex.EncodeToString(hasher.Sum(nil))
}

// KeyFingerprint identifies a key in logs without revealing it.
func KeyFingerprint(key string) string {
	if key == "" {
		return "-"
	}
	return "key:" + HashString(key)[:12]
}

// GenerateAPIKey returns a new random hex key
func GenerateAPIKey() (string, error) {
	buf := make([]byte, APIKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
