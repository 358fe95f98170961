package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
)

// API key permissions.
const (
	PermissionService = "service"
	PermissionAdmin   = "admin"
)

// APIKey is a configured service credential. The raw key value is never
// kept; only its SHA-256 hex hash and an 8-character display prefix.
type APIKey struct {
	Name        string   `json:"name"`
	KeyHash     string   `json:"key_hash"`
	Prefix      string   `json:"prefix"`
	Permissions []string `json:"permissions"`
	Enabled     bool     `json:"enabled"`
}

// NewAPIKey hashes a configured key. A pre-hashed entry keeps its hash and
// gets no prefix.
func NewAPIKey(cfg APIKeyConfig) *APIKey {
	hash := strings.ToLower(cfg.KeyHash)
	prefix := ""
	if cfg.Key != "" {
		hash = HashAPIKey(cfg.Key)
		prefix = cfg.Key
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
	}
	return &APIKey{
		Name:        cfg.Name,
		KeyHash:     hash,
		Prefix:      prefix,
		Permissions: slices.Clone(cfg.Permissions),
		Enabled:     cfg.Enabled,
	}
}

// GenerateAPIKey produces a random key in the format mkt_<44 url-safe base64 chars>.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 33) // 33 bytes → 44 base64url chars
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "mkt_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashAPIKey computes the SHA-256 hex digest of a raw API key.
func HashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// HasPermission returns true when the key is enabled and holds required.
// admin and * imply service.
func (ak *APIKey) HasPermission(required string) bool {
	if !ak.Enabled {
		return false
	}
	for _, p := range ak.Permissions {
		switch p {
		case "*", PermissionAdmin:
			return true
		case required:
			return true
		}
	}
	return false
}
