// ABOUTME: Agent API key generation, hashing and verification
// ABOUTME: Keys are looked up by prefix and checked against a bcrypt hash

package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/opsbridge/internal/store"
)

// KeyPrefixLen is the number of leading key characters stored in clear for
// candidate lookup.
const KeyPrefixLen = 8

// API key errors
var (
	ErrUnknownAPIKey  = errors.New("unknown api key")
	ErrInactiveAPIKey = errors.New("api key inactive")
	ErrExpiredAPIKey  = errors.New("api key expired")
)

// AgentIdentity is the server an API key authenticates as.
type AgentIdentity struct {
	ServerID string
	KeyID    string
}

// GenerateAPIKey returns a new random key with its prefix and bcrypt hash.
// Only prefix and hash should be persisted.
func GenerateAPIKey() (plain, prefix, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generating key: %w", err)
	}
	plain = base64.RawURLEncoding.EncodeToString(buf)
	prefix, hash, err = HashAPIKey(plain)
	return plain, prefix, hash, err
}

// HashAPIKey derives the stored prefix and bcrypt hash of a plain key.
func HashAPIKey(plain string) (prefix, hash string, err error) {
	if len(plain) < KeyPrefixLen {
		return "", "", fmt.Errorf("api key shorter than %d characters", KeyPrefixLen)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing key: %w", err)
	}
	return plain[:KeyPrefixLen], string(h), nil
}

// APIKeyVerifier authenticates agents by API key.
type APIKeyVerifier struct {
	keys   store.APIKeyStore
	logger *slog.Logger
	now    func() time.Time
}

// NewAPIKeyVerifier creates a verifier backed by keys. Pass nil logger for default.
func NewAPIKeyVerifier(keys store.APIKeyStore, logger *slog.Logger) *APIKeyVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyVerifier{
		keys:   keys,
		logger: logger.With("component", "apikey"),
		now:    time.Now,
	}
}

// Verify resolves plain to the server it belongs to. When the key matches a
// stored hash but is inactive or expired, the returned identity still
// carries the ServerID alongside ErrInactiveAPIKey or ErrExpiredAPIKey so
// the caller can attribute the failure.
func (v *APIKeyVerifier) Verify(ctx context.Context, plain string) (AgentIdentity, error) {
	if len(plain) < KeyPrefixLen {
		return AgentIdentity{}, ErrUnknownAPIKey
	}

	candidates, err := v.keys.ListAPIKeysByPrefix(ctx, plain[:KeyPrefixLen])
	if err != nil {
		return AgentIdentity{}, fmt.Errorf("looking up api key: %w", err)
	}

	for _, k := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(plain)) != nil {
			continue
		}
		id := AgentIdentity{ServerID: k.ServerID, KeyID: k.ID}
		now := v.now()
		switch {
		case !k.IsActive:
			return id, ErrInactiveAPIKey
		case k.Expired(now):
			return id, ErrExpiredAPIKey
		}
		if err := v.keys.TouchAPIKey(ctx, k.ID, now.UTC()); err != nil {
			v.logger.Warn("failed to record api key use", "key_id", k.ID, "error", err)
		}
		return id, nil
	}
	return AgentIdentity{}, ErrUnknownAPIKey
}
