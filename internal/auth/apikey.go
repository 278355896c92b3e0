// Package auth issues and resolves the API keys that guard the read
// endpoints. A key has the form ep_<prefix>_<secret>; the prefix is stored in
// clear for lookup and the secret only as a bcrypt hash.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"eventpulse/internal/types"
)

const (
	keyScheme    = "ep"
	prefixBytes  = 4
	secretBytes  = 24
	defaultCost  = 12
	keySeparator = "_"
)

// KeyStore persists API keys. *db.APIKeyRepository satisfies it.
type KeyStore interface {
	GetByPrefix(ctx context.Context, prefix string) (*types.APIKey, error)
	Create(ctx context.Context, key *types.APIKey) error
	Revoke(ctx context.Context, id string) error
}

// SecretHasher abstracts bcrypt for testability.
type SecretHasher interface {
	CompareHashAndSecret(hash, secret string) error
	GenerateFromSecret(secret string) (string, error)
}

type bcryptHasher struct{ cost int }

func (b bcryptHasher) CompareHashAndSecret(hash, secret string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
}

func (b bcryptHasher) GenerateFromSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), b.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// NewBcryptHasher returns the production hasher. Costs outside bcrypt's
// range fall back to 12.
func NewBcryptHasher(cost int) SecretHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = defaultCost
	}
	return bcryptHasher{cost: cost}
}

// Config holds the service dependencies.
type Config struct {
	Store  KeyStore
	Hasher SecretHasher
	Clock  types.Clock
	Logger *slog.Logger
}

// Service issues, revokes and resolves API keys.
type Service struct {
	store  KeyStore
	hasher SecretHasher
	clock  types.Clock
	logger *slog.Logger
}

// NewService creates a Service. Nil Hasher, Clock and Logger get production
// defaults.
func NewService(cfg Config) *Service {
	if cfg.Hasher == nil {
		cfg.Hasher = NewBcryptHasher(defaultCost)
	}
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{store: cfg.Store, hasher: cfg.Hasher, clock: cfg.Clock, logger: cfg.Logger}
}

// IssuedKey is returned once at creation; the plaintext is never stored.
type IssuedKey struct {
	Key       types.APIKey `json:"key"`
	Plaintext string       `json:"plaintext"`
}

// Create issues a new key. ttl <= 0 creates a key that never expires.
func (s *Service) Create(ctx context.Context, name string, ttl time.Duration) (*IssuedKey, error) {
	if strings.TrimSpace(name) == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "key name is required", nil)
	}

	prefix, err := randomHex(prefixBytes)
	if err != nil {
		return nil, err
	}
	secret, err := randomHex(secretBytes)
	if err != nil {
		return nil, err
	}
	hash, err := s.hasher.GenerateFromSecret(secret)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to hash api key", err)
	}

	now := s.clock.Now()
	key := types.APIKey{
		ID:        uuid.NewString(),
		Prefix:    prefix,
		KeyHash:   hash,
		Name:      name,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}
	if err := s.store.Create(ctx, &key); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "api key created", "key_id", key.ID, "prefix", prefix)
	return &IssuedKey{Key: key, Plaintext: FormatKey(prefix, secret)}, nil
}

// Revoke marks a key revoked.
func (s *Service) Revoke(ctx context.Context, id string) error {
	if err := s.store.Revoke(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "api key revoked", "key_id", id)
	return nil
}

// ResolveToken maps a bearer token to an Actor.
//
// Unknown, malformed or revoked keys and secret mismatches all return
// auth_token_invalid; a valid key past its expiry returns auth_token_expired.
func (s *Service) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	prefix, secret, ok := ParseKey(token)
	if !ok {
		return nil, invalidToken(nil)
	}

	key, err := s.store.GetByPrefix(ctx, prefix)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundAPIKey) {
			return nil, invalidToken(nil)
		}
		return nil, err
	}
	if key.RevokedAt != nil {
		return nil, invalidToken(nil)
	}
	if err := s.hasher.CompareHashAndSecret(key.KeyHash, secret); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			s.logger.WarnContext(ctx, "api key hash comparison failed", "key_id", key.ID, "error", err)
		}
		return nil, invalidToken(err)
	}
	if key.ExpiresAt != nil && !s.clock.Now().Before(*key.ExpiresAt) {
		return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "api key has expired", nil)
	}

	return &types.Actor{ID: key.ID, Type: types.ActorTypeAPIKey, Name: key.Name}, nil
}

// FormatKey assembles the plaintext key.
func FormatKey(prefix, secret string) string {
	return keyScheme + keySeparator + prefix + keySeparator + secret
}

// ParseKey splits ep_<prefix>_<secret>.
func ParseKey(token string) (prefix, secret string, ok bool) {
	parts := strings.Split(token, keySeparator)
	if len(parts) != 3 || parts[0] != keyScheme || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func invalidToken(err error) error {
	return types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid api key", err)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating key material: %w", err)
	}
	return hex.EncodeToString(b), nil
}
