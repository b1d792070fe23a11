package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Container statuses, per the data model's status enum.
const (
	StatusCreating = "creating"
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

type Container struct {
	ID              string
	RuntimeID       string
	Alias           string
	ImageRef        string
	Persistent      bool
	CreatedAt       time.Time
	LastSeenAt      time.Time
	TTLSeconds      int
	WorkspaceVolume string
	Status          string
	Warm            bool
	IdempotencyKey  string
}

func (s *Store) CreateContainer(c *Container) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO containers (id, runtime_id, alias, image_ref, persistent, created_at, last_seen_at, ttl_seconds, workspace_volume, status, warm, idempotency_key)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.RuntimeID, nullableString(c.Alias), c.ImageRef, c.Persistent,
			c.CreatedAt.UTC(), c.LastSeenAt.UTC(), c.TTLSeconds, c.WorkspaceVolume, c.Status, c.Warm,
			nullableString(c.IdempotencyKey),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting container: %w", err)
	}
	return nil
}

func (s *Store) GetContainer(id string) (*Container, error) {
	row := s.db.QueryRow(containerSelectSQL+` WHERE id = ?`, id)
	return scanContainer(row)
}

func (s *Store) GetContainerByAlias(alias string) (*Container, error) {
	row := s.db.QueryRow(containerSelectSQL+` WHERE alias = ? AND status NOT IN ('stopped', 'error')`, alias)
	return scanContainer(row)
}

func (s *Store) GetContainerByIdempotencyKey(key string) (*Container, error) {
	row := s.db.QueryRow(containerSelectSQL+` WHERE idempotency_key = ?`, key)
	return scanContainer(row)
}

func (s *Store) ListContainers() ([]*Container, error) {
	rows, err := s.db.Query(containerSelectSQL + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	defer rows.Close()
	return scanContainers(rows)
}

func (s *Store) ListContainersByStatus(status string) ([]*Container, error) {
	rows, err := s.db.Query(containerSelectSQL+` WHERE status = ?`, status)
	if err != nil {
		return nil, fmt.Errorf("listing containers by status: %w", err)
	}
	defer rows.Close()
	return scanContainers(rows)
}

func (s *Store) ListWarmContainers() ([]*Container, error) {
	rows, err := s.db.Query(containerSelectSQL + ` WHERE warm = 1 AND status = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("listing warm containers: %w", err)
	}
	defer rows.Close()
	return scanContainers(rows)
}

// ListTransientOlderThan returns non-persistent containers whose
// last_seen_at predates the cutoff (age-based GC candidates, I3).
func (s *Store) ListTransientOlderThan(cutoff time.Time) ([]*Container, error) {
	rows, err := s.db.Query(containerSelectSQL+` WHERE persistent = 0 AND last_seen_at < ?`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing transient containers: %w", err)
	}
	defer rows.Close()
	return scanContainers(rows)
}

func (s *Store) UpdateContainerRuntimeID(id, runtimeID string) error {
	return s.execAndCheck(id,
		`UPDATE containers SET runtime_id = ?, status = ? WHERE id = ?`,
		runtimeID, StatusRunning, id)
}

func (s *Store) UpdateContainerStatus(id, status string) error {
	return s.execAndCheck(id, `UPDATE containers SET status = ? WHERE id = ?`, status, id)
}

func (s *Store) UpdateContainerLastSeen(id string, at time.Time) error {
	return s.execAndCheck(id, `UPDATE containers SET last_seen_at = ? WHERE id = ?`, at.UTC(), id)
}

// ClaimWarmContainer atomically reassigns a warm-pool row to a real
// workload, guarded by the CAS predicate warm=true (§4.6, §5).
func (s *Store) ClaimWarmContainer(id, alias string, persistent bool) (bool, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE containers SET warm = 0, alias = ?, persistent = ? WHERE id = ? AND warm = 1`,
			nullableString(alias), persistent, id,
		)
		return e
	})
	if err != nil {
		return false, fmt.Errorf("claiming warm container: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking claim rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) DeleteContainer(id string) error {
	return s.execAndCheck(id, `DELETE FROM containers WHERE id = ?`, id)
}

func (s *Store) execAndCheck(id, query string, args ...any) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(query, args...)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating container: %w", err)
	}
	return checkRowAffected(result, id)
}

const containerSelectSQL = `SELECT id, runtime_id, alias, image_ref, persistent, created_at, last_seen_at, ttl_seconds, workspace_volume, status, warm, idempotency_key FROM containers`

func scanContainer(row scannable) (*Container, error) {
	var c Container
	var alias, idempotencyKey sql.NullString
	err := row.Scan(
		&c.ID, &c.RuntimeID, &alias, &c.ImageRef, &c.Persistent,
		&c.CreatedAt, &c.LastSeenAt, &c.TTLSeconds, &c.WorkspaceVolume, &c.Status, &c.Warm, &idempotencyKey,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning container: %w", err)
	}
	if alias.Valid {
		c.Alias = alias.String
	}
	if idempotencyKey.Valid {
		c.IdempotencyKey = idempotencyKey.String
	}
	return &c, nil
}

func scanContainers(rows *sql.Rows) ([]*Container, error) {
	var out []*Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating containers: %w", err)
	}
	return out, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
