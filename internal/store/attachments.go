package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Attachment struct {
	ID          int64
	ContainerID string
	ClientName  string
	SessionID   string
	AttachedAt  time.Time
	DetachedAt  *time.Time
}

func (s *Store) CreateAttachment(a *Attachment) error {
	err := retryOnBusy(func() error {
		res, e := s.db.Exec(
			`INSERT INTO attachments (container_id, client_name, session_id, attached_at) VALUES (?, ?, ?, ?)`,
			a.ContainerID, a.ClientName, a.SessionID, a.AttachedAt.UTC(),
		)
		if e != nil {
			return e
		}
		id, e := res.LastInsertId()
		a.ID = id
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting attachment: %w", err)
	}
	return nil
}

func (s *Store) ListAttachments(containerID string) ([]*Attachment, error) {
	rows, err := s.db.Query(
		`SELECT id, container_id, client_name, session_id, attached_at, detached_at
		 FROM attachments WHERE container_id = ? ORDER BY attached_at DESC`, containerID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}
	defer rows.Close()

	var out []*Attachment
	for rows.Next() {
		var a Attachment
		var detachedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.ContainerID, &a.ClientName, &a.SessionID, &a.AttachedAt, &detachedAt); err != nil {
			return nil, fmt.Errorf("scanning attachment: %w", err)
		}
		if detachedAt.Valid {
			t := detachedAt.Time
			a.DetachedAt = &t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// DetachAll marks every open attachment for a container as detached. Used
// on container kill; attachments still open when the server stops are
// closed on the next boot by DetachAllOnBoot.
func (s *Store) DetachAll(containerID string) error {
	return retryOnBusy(func() error {
		_, e := s.db.Exec(
			`UPDATE attachments SET detached_at = ? WHERE container_id = ? AND detached_at IS NULL`,
			time.Now().UTC(), containerID,
		)
		return e
	})
}

// DetachAllOnBoot marks every still-open attachment across the whole store
// as detached; called once during boot reconciliation.
func (s *Store) DetachAllOnBoot() error {
	return retryOnBusy(func() error {
		_, e := s.db.Exec(`UPDATE attachments SET detached_at = ? WHERE detached_at IS NULL`, time.Now().UTC())
		return e
	})
}
