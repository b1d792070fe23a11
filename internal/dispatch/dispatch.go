// Package dispatch wires the Container Manager, Execution Engine,
// Workspace Gateway, warm pool, and audit/metrics surfaces behind a
// single in-process interface realizing §6's tool table. Any transport
// (HTTP, JSON-RPC, gRPC) is a thin adapter over this Dispatcher,
// mirroring the teacher's SessionService split between internal/api and
// internal/session.
package dispatch

import (
	"context"
	"io"

	"github.com/devbenchd/devbenchd/internal/exec"
	"github.com/devbenchd/devbenchd/internal/reconcile"
	"github.com/devbenchd/devbenchd/internal/store"
	"github.com/devbenchd/devbenchd/internal/workspace"
)

// SpawnRequest/Result and friends mirror §6's tool table field-for-field.
type SpawnRequest struct {
	Image          string `json:"image"`
	Persistent     bool   `json:"persistent,omitempty"`
	Alias          string `json:"alias,omitempty"`
	TTLSeconds     int    `json:"ttl_seconds,omitempty"`
	AsRoot         bool   `json:"as_root,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type SpawnResult struct {
	ContainerID string `json:"container_id"`
	Alias       string `json:"alias,omitempty"`
	Status      string `json:"status"`
}

type AttachRequest struct {
	Target     string `json:"target"`
	ClientName string `json:"client_name"`
	SessionID  string `json:"session_id"`
}

type AttachResult struct {
	ContainerID string   `json:"container_id"`
	Alias       string   `json:"alias,omitempty"`
	Roots       []string `json:"roots"`
}

type KillRequest struct {
	ContainerID string `json:"container_id"`
	Force       bool   `json:"force,omitempty"`
}

type KillResult struct {
	Status string `json:"status"`
}

type ExecStartRequest struct {
	ContainerID    string            `json:"container_id"`
	Cmd            []string          `json:"cmd"`
	Cwd            string            `json:"cwd,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	AsRoot         bool              `json:"as_root,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type ExecStartResult struct {
	ExecID string `json:"exec_id"`
	Status string `json:"status"`
}

type ExecCancelResult struct {
	ExecID string `json:"exec_id"`
	Status string `json:"status"`
}

// ExecMessage is one polled frame: seq, stream and data; terminal
// messages additionally carry exit_code/usage. Messages carry no
// timestamp.
type ExecMessage struct {
	Seq      int64       `json:"seq"`
	Stream   string      `json:"stream"`
	Data     []byte      `json:"data"`
	ExitCode *int        `json:"exit_code,omitempty"`
	Usage    *exec.Usage `json:"usage,omitempty"`
}

type ExecPollResult struct {
	Messages   []ExecMessage `json:"messages"`
	Complete   bool          `json:"complete"`
	GapFromSeq int64         `json:"gap_from_seq,omitempty"`
}

type FSWriteRequest struct {
	ContainerID string `json:"container_id"`
	Path        string `json:"path"`
	Content     []byte `json:"content"`
	IfMatchETag string `json:"if_match_etag,omitempty"`
}

type FSDeleteRequest struct {
	ContainerID string `json:"container_id"`
	Path        string `json:"path"`
	Recursive   bool   `json:"recursive,omitempty"`
}

// Dispatcher is the in-process realization of §6's tool table.
type Dispatcher interface {
	Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error)
	Attach(ctx context.Context, req AttachRequest) (*AttachResult, error)
	Kill(ctx context.Context, req KillRequest) (*KillResult, error)

	ExecStart(ctx context.Context, req ExecStartRequest) (*ExecStartResult, error)
	ExecCancel(ctx context.Context, execID string) (*ExecCancelResult, error)
	ExecPoll(ctx context.Context, execID string, afterSeq int64) (*ExecPollResult, error)

	FSStat(ctx context.Context, containerID, path string) (*workspace.Stat, error)
	FSList(ctx context.Context, containerID, path string) ([]workspace.Stat, error)
	FSRead(ctx context.Context, containerID, path string) ([]byte, *workspace.Stat, error)
	FSWrite(ctx context.Context, req FSWriteRequest) (*workspace.Stat, error)
	FSDelete(ctx context.Context, req FSDeleteRequest) error
	TarExport(ctx context.Context, containerID, path string, includeGlobs, excludeGlobs []string) (io.ReadCloser, error)
	TarImport(ctx context.Context, containerID, dest string, stream io.Reader) (*workspace.ImportResult, error)

	Reconcile(ctx context.Context) (reconcile.Stats, error)
	GC(ctx context.Context)
	ListContainers(ctx context.Context) ([]*store.Container, error)
	ListExecs(ctx context.Context, containerID string) ([]*store.Exec, error)
	Status(ctx context.Context) (*StatusResult, error)
}

type StatusResult struct {
	ContainersActive int `json:"containers_active"`
	WarmPoolSize     int `json:"warm_pool_size"`
}
