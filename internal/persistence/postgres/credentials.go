package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
	"github.com/nicolasdb/time-tracker-webapp/internal/persistence"
)

// Lookup resolves a device key. Keys are stored as SHA-256 digests.
func (r *Repository) Lookup(ctx context.Context, key string) (domain.DeviceCredential, error) {
	const query = `SELECT device_id, is_active AND revoked_at IS NULL, last_used_at
        FROM device_keys WHERE key_hash=$1`

	var cred domain.DeviceCredential
	err := r.pool.QueryRow(ctx, query, persistence.HashKey(key)).Scan(&cred.DeviceID, &cred.Active, &cred.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DeviceCredential{}, domain.ErrCredentialNotFound
		}
		return domain.DeviceCredential{}, err
	}
	return cred, nil
}

// TouchLastUsed stamps the key's last_used_at marker.
func (r *Repository) TouchLastUsed(ctx context.Context, key string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE device_keys SET last_used_at = NOW() WHERE key_hash=$1`, persistence.HashKey(key))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCredentialNotFound
	}
	return nil
}

// IssueKey registers key for deviceID.
func (r *Repository) IssueKey(ctx context.Context, key, deviceID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO device_keys (key_hash, device_id, is_active) VALUES ($1,$2,TRUE)`,
		persistence.HashKey(key), deviceID,
	)
	return err
}

// RevokeKey deactivates key. Revoked keys never authenticate again.
func (r *Repository) RevokeKey(ctx context.Context, key string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE device_keys SET is_active = FALSE, revoked_at = COALESCE(revoked_at, NOW()) WHERE key_hash=$1`,
		persistence.HashKey(key),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCredentialNotFound
	}
	return nil
}
