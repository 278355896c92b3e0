package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"eventpulse/internal/types"
)

// APIKeyRepository provides data access for the api_keys table. Only bcrypt
// hashes are stored; the plaintext secret never reaches this layer.
type APIKeyRepository struct {
	db DBTX
}

func NewAPIKeyRepository(db DBTX) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

const apiKeyColumns = `id, key_prefix, key_hash, name, created_at, expires_at, revoked_at`

func scanAPIKey(row pgx.Row) (*types.APIKey, error) {
	var k types.APIKey
	if err := row.Scan(&k.ID, &k.Prefix, &k.KeyHash, &k.Name, &k.CreatedAt, &k.ExpiresAt, &k.RevokedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

// GetByPrefix looks a key up by its public prefix. Revoked and expired keys
// are returned as-is; the authenticator decides whether they are usable.
func (r *APIKeyRepository) GetByPrefix(ctx context.Context, prefix string) (*types.APIKey, error) {
	key, err := scanAPIKey(r.db.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1`,
		prefix,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAPIKey, "API key not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve API key", err)
	}
	return key, nil
}

// Create inserts a new key. KeyHash MUST already be a bcrypt hash.
func (r *APIKeyRepository) Create(ctx context.Context, key *types.APIKey) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO api_keys (id, key_prefix, key_hash, name, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`,
		key.ID,
		key.Prefix,
		key.KeyHash,
		key.Name,
		key.ExpiresAt,
		nilIfZeroTime(key.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictKeyPrefix, "API key prefix already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create API key", err)
	}
	return nil
}

// Revoke soft-deletes a key by stamping revoked_at.
func (r *APIKeyRepository) Revoke(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to revoke API key", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAPIKey, "API key not found or already revoked", nil)
	}
	return nil
}
