package store

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	IdempotencyKindSpawn = "spawn"
	IdempotencyKindExec  = "exec"
)

// IdempotencyTTL is the window within which a repeated key returns the
// same target_id without re-executing the operation (I9).
const IdempotencyTTL = 24 * time.Hour

type IdempotencyRecord struct {
	Key       string
	Kind      string
	TargetID  string
	CreatedAt time.Time
}

// ReserveIdempotencyKey inserts the record if absent, or returns the
// existing target_id if the key was already used within the TTL. The
// insert-or-fetch is a single transaction to avoid a race between two
// concurrent callers presenting the same fresh key.
func (s *Store) ReserveIdempotencyKey(key, kind, targetID string, now time.Time) (existingTargetID string, isNew bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", false, fmt.Errorf("beginning idempotency tx: %w", err)
	}
	defer tx.Rollback()

	var existing IdempotencyRecord
	row := tx.QueryRow(`SELECT key, kind, target_id, created_at FROM idempotency_keys WHERE key = ?`, key)
	scanErr := row.Scan(&existing.Key, &existing.Kind, &existing.TargetID, &existing.CreatedAt)
	switch scanErr {
	case nil:
		if now.Sub(existing.CreatedAt) < IdempotencyTTL {
			return existing.TargetID, false, tx.Commit()
		}
		// Expired: replace it with the fresh reservation.
		if _, err := tx.Exec(`DELETE FROM idempotency_keys WHERE key = ?`, key); err != nil {
			return "", false, fmt.Errorf("deleting expired idempotency key: %w", err)
		}
	case sql.ErrNoRows:
		// Fall through to insert.
	default:
		return "", false, fmt.Errorf("querying idempotency key: %w", scanErr)
	}

	if _, err := tx.Exec(
		`INSERT INTO idempotency_keys (key, kind, target_id, created_at) VALUES (?, ?, ?, ?)`,
		key, kind, targetID, now.UTC(),
	); err != nil {
		return "", false, fmt.Errorf("inserting idempotency key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("committing idempotency reservation: %w", err)
	}
	return targetID, true, nil
}

// PurgeExpiredIdempotencyKeys deletes idempotency records older than the TTL. Run
// periodically by the maintenance worker (§4.4 "a background task purges
// expired keys").
func (s *Store) PurgeExpiredIdempotencyKeys(now time.Time) (int64, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`DELETE FROM idempotency_keys WHERE created_at < ?`, now.Add(-IdempotencyTTL).UTC(),
		)
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("purging idempotency keys: %w", err)
	}
	return result.RowsAffected()
}
