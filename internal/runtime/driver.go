// Package runtime defines the narrow, capability-oriented interface over
// a container daemon. The package itself holds no daemon-specific code;
// concrete backends (e.g. internal/runtime/docker) implement Driver.
package runtime

import (
	"context"
	"io"
	"time"
)

// NamespaceLabel is applied to every container the adapter creates, so
// that listing by label recovers ownership across restarts (I4).
const NamespaceLabel = "devbench"

// ContainerSpec is the hardened, fully-resolved configuration for a new
// container. The Container Manager computes this; the adapter applies no
// policy of its own (§4.1: "the adapter imposes no policy").
type ContainerSpec struct {
	ID              string // opaque control-plane id, becomes a label
	Image           string
	Labels          map[string]string
	WorkspaceVolume string // volume name backing /workspace
	WorkspaceMount  string // mount path, typically /workspace

	CPULimit       float64
	MemLimitBytes  int64
	PidsLimit      int64
	ReadonlyRootfs bool
	NetworkMode    string // "none" | "bridge"
	AsRoot         bool
}

// ExecSpec describes a single command to run inside a container.
type ExecSpec struct {
	Argv   []string
	Env    map[string]string
	Cwd    string
	AsRoot bool
	TTY    bool
}

// ExecHandle identifies a created (but not yet started) runtime exec.
type ExecHandle struct {
	ID          string
	ContainerID string
}

// OutputChunk is a single raw read from one of the exec's streams.
type OutputChunk struct {
	Data []byte
}

// ExecStreams is returned by ExecStart: two channels of raw bytes, a wait
// function that blocks for the process exit code, and a signal function
// that delivers a named signal ("TERM", "KILL", ...) to the running
// process. stdout_chan/stderr_chan close once the process's side of the
// stream is exhausted.
type ExecStreams struct {
	Stdout <-chan OutputChunk
	Stderr <-chan OutputChunk
	Wait   func(ctx context.Context) (exitCode int, err error)
	Signal func(ctx context.Context, sig string) error
}

// Stats is a point-in-time resource snapshot for a running container.
type Stats struct {
	CPUNanos  int64
	MemBytes  int64
	Timestamp time.Time
}

// ContainerInfo is a label-derived summary used for listing/adoption.
type ContainerInfo struct {
	RuntimeID string
	Labels    map[string]string
	Running   bool
	CreatedAt time.Time
}

// Driver is the capability-oriented surface every runtime backend (Docker
// daemon, or any compatible alternative) must implement. All methods
// accept a context and must not block the caller beyond the context's
// deadline; blocking daemon I/O is expected to run off the request path.
type Driver interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (runtimeID string, err error)
	StartContainer(ctx context.Context, runtimeID string) error
	StopContainer(ctx context.Context, runtimeID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, runtimeID string, force bool) error
	InspectContainer(ctx context.Context, runtimeID string) (*ContainerInfo, error)
	ListByLabel(ctx context.Context, labelKey, labelValue string) ([]ContainerInfo, error)

	ExecCreate(ctx context.Context, runtimeID string, spec ExecSpec) (*ExecHandle, error)
	ExecStart(ctx context.Context, handle *ExecHandle) (*ExecStreams, error)

	CopyIn(ctx context.Context, runtimeID string, destPath string, tarStream io.Reader) error
	CopyOut(ctx context.Context, runtimeID string, srcPath string) (tarStream io.ReadCloser, err error)

	StatsSnapshot(ctx context.Context, runtimeID string) (*Stats, error)

	Ping(ctx context.Context) error
	Close() error
}
