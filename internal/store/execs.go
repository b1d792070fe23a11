package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Execution statuses, per the state machine in §4.4.
const (
	ExecStatusQueued     = "queued"
	ExecStatusRunning    = "running"
	ExecStatusCancelling = "cancelling"
	ExecStatusExited     = "exited"
	ExecStatusTimedOut   = "timed_out"
	ExecStatusCancelled  = "cancelled"
	ExecStatusFailed     = "failed"
)

type Usage struct {
	CPUMs       int64 `json:"cpu_ms"`
	MemPeakBytes int64 `json:"mem_peak_bytes"`
	WallMs      int64 `json:"wall_ms"`
}

type Exec struct {
	ExecID         string
	ContainerID    string
	Argv           []string
	Cwd            string
	Env            map[string]string
	AsRoot         bool
	TimeoutSeconds int
	StartedAt      time.Time
	EndedAt        *time.Time
	ExitCode       *int
	Usage          *Usage
	Status         string
}

func (s *Store) CreateExec(e *Exec) error {
	argvJSON, err := json.Marshal(e.Argv)
	if err != nil {
		return fmt.Errorf("marshaling argv: %w", err)
	}
	envJSON, err := json.Marshal(e.Env)
	if err != nil {
		return fmt.Errorf("marshaling env: %w", err)
	}
	return retryOnBusy(func() error {
		_, e2 := s.db.Exec(
			`INSERT INTO execs (exec_id, container_id, argv, cwd, env, as_root, timeout_seconds, started_at, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ExecID, e.ContainerID, string(argvJSON), e.Cwd, string(envJSON), e.AsRoot, e.TimeoutSeconds,
			e.StartedAt.UTC(), e.Status,
		)
		return e2
	})
}

func (s *Store) GetExec(execID string) (*Exec, error) {
	row := s.db.QueryRow(execSelectSQL+` WHERE exec_id = ?`, execID)
	return scanExec(row)
}

func (s *Store) ListExecsByContainer(containerID string) ([]*Exec, error) {
	rows, err := s.db.Query(execSelectSQL+` WHERE container_id = ? ORDER BY started_at DESC`, containerID)
	if err != nil {
		return nil, fmt.Errorf("listing execs: %w", err)
	}
	defer rows.Close()
	return scanExecs(rows)
}

// CountRunning returns the number of execs in `running` status for a
// container — the live value the per-container semaphore must agree with.
func (s *Store) CountRunning(containerID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM execs WHERE container_id = ? AND status = ?`,
		containerID, ExecStatusRunning,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting running execs: %w", err)
	}
	return n, nil
}

func (s *Store) ListRunningExecsByContainer(containerID string) ([]*Exec, error) {
	rows, err := s.db.Query(
		execSelectSQL+` WHERE container_id = ? AND status IN (?, ?)`,
		containerID, ExecStatusRunning, ExecStatusCancelling,
	)
	if err != nil {
		return nil, fmt.Errorf("listing running execs: %w", err)
	}
	defer rows.Close()
	return scanExecs(rows)
}

// ListStaleRunning returns execs still marked running/cancelling/queued —
// used by boot reconciliation to mark them failed.
func (s *Store) ListStaleRunning() ([]*Exec, error) {
	rows, err := s.db.Query(execSelectSQL + ` WHERE status IN ('running', 'cancelling', 'queued')`)
	if err != nil {
		return nil, fmt.Errorf("listing stale execs: %w", err)
	}
	defer rows.Close()
	return scanExecs(rows)
}

func (s *Store) UpdateExecStatus(execID, status string) error {
	return retryOnBusy(func() error {
		res, e := s.db.Exec(`UPDATE execs SET status = ? WHERE exec_id = ?`, status, execID)
		if e != nil {
			return e
		}
		return checkRowAffected(res, execID)
	})
}

// FinishExec atomically sets ended_at, exit_code, usage and the terminal
// status together (I7: "ended_at and exit_code are set together atomically").
func (s *Store) FinishExec(execID string, status string, exitCode int, usage Usage, endedAt time.Time) error {
	return retryOnBusy(func() error {
		res, e := s.db.Exec(
			`UPDATE execs SET status = ?, ended_at = ?, exit_code = ?, cpu_ms = ?, mem_peak_bytes = ?, wall_ms = ? WHERE exec_id = ?`,
			status, endedAt.UTC(), exitCode, usage.CPUMs, usage.MemPeakBytes, usage.WallMs, execID,
		)
		if e != nil {
			return e
		}
		return checkRowAffected(res, execID)
	})
}

func (s *Store) PurgeTerminatedOlderThan(cutoff time.Time) (int64, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`DELETE FROM execs WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff.UTC(),
		)
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("purging terminated execs: %w", err)
	}
	return result.RowsAffected()
}

const execSelectSQL = `SELECT exec_id, container_id, argv, cwd, env, as_root, timeout_seconds, started_at, ended_at, exit_code, cpu_ms, mem_peak_bytes, wall_ms, status FROM execs`

func scanExec(row scannable) (*Exec, error) {
	var e Exec
	var argvJSON, envJSON string
	var endedAt sql.NullTime
	var exitCode, cpuMs, memPeak, wallMs sql.NullInt64

	err := row.Scan(
		&e.ExecID, &e.ContainerID, &argvJSON, &e.Cwd, &envJSON, &e.AsRoot, &e.TimeoutSeconds,
		&e.StartedAt, &endedAt, &exitCode, &cpuMs, &memPeak, &wallMs, &e.Status,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning exec: %w", err)
	}

	if err := json.Unmarshal([]byte(argvJSON), &e.Argv); err != nil {
		return nil, fmt.Errorf("unmarshaling argv: %w", err)
	}
	if err := json.Unmarshal([]byte(envJSON), &e.Env); err != nil {
		return nil, fmt.Errorf("unmarshaling env: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		e.EndedAt = &t
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		e.ExitCode = &v
	}
	if cpuMs.Valid || memPeak.Valid || wallMs.Valid {
		e.Usage = &Usage{CPUMs: cpuMs.Int64, MemPeakBytes: memPeak.Int64, WallMs: wallMs.Int64}
	}
	return &e, nil
}

func scanExecs(rows *sql.Rows) ([]*Exec, error) {
	var out []*Exec
	for rows.Next() {
		e, err := scanExec(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
