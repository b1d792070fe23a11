package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devbenchd/devbenchd/internal/audit"
	"github.com/devbenchd/devbenchd/internal/container"
	"github.com/devbenchd/devbenchd/internal/exec"
	"github.com/devbenchd/devbenchd/internal/metrics"
	"github.com/devbenchd/devbenchd/internal/policy"
	"github.com/devbenchd/devbenchd/internal/reconcile"
	"github.com/devbenchd/devbenchd/internal/runtime"
	"github.com/devbenchd/devbenchd/internal/store"
	"github.com/devbenchd/devbenchd/internal/workspace"
)

// fakeDriver is a full runtime.Driver double shared across the Container
// Manager, Execution Engine and Workspace Gateway this test wires
// together, so Spawn/ExecStart/FSWrite exercise the same fake "daemon".
type fakeDriver struct {
	execStdout string
	execExit   int
	copiedIn   map[string][]byte
	copyOut    map[string][]byte

	mu       sync.Mutex
	nextExec int
	argvByID map[string][]string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{copiedIn: map[string][]byte{}, copyOut: map[string][]byte{}, argvByID: map[string][]string{}}
}

func (f *fakeDriver) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	return "rt-" + spec.ID, nil
}
func (f *fakeDriver) StartContainer(ctx context.Context, runtimeID string) error { return nil }
func (f *fakeDriver) StopContainer(ctx context.Context, runtimeID string, timeout time.Duration) error {
	return nil
}
func (f *fakeDriver) RemoveContainer(ctx context.Context, runtimeID string, force bool) error {
	return nil
}
func (f *fakeDriver) InspectContainer(ctx context.Context, runtimeID string) (*runtime.ContainerInfo, error) {
	return &runtime.ContainerInfo{RuntimeID: runtimeID, Running: true}, nil
}
func (f *fakeDriver) ListByLabel(ctx context.Context, labelKey, labelValue string) ([]runtime.ContainerInfo, error) {
	return nil, nil
}
func (f *fakeDriver) ExecCreate(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (*runtime.ExecHandle, error) {
	f.mu.Lock()
	f.nextExec++
	id := fmt.Sprintf("h%d", f.nextExec)
	f.argvByID[id] = spec.Argv
	f.mu.Unlock()
	return &runtime.ExecHandle{ID: id, ContainerID: runtimeID}, nil
}
func (f *fakeDriver) ExecStart(ctx context.Context, handle *runtime.ExecHandle) (*runtime.ExecStreams, error) {
	f.mu.Lock()
	argv := f.argvByID[handle.ID]
	f.mu.Unlock()

	stdout := f.execStdout
	exit := f.execExit
	// The Workspace Gateway shells out to coreutils for mkdir/mv/stat/
	// readlink as part of Write/Stat/containment checks; answer those so
	// ETag computation and symlink resolution have real data to parse
	// instead of requiring a live daemon.
	switch {
	case len(argv) >= 3 && argv[0] == "sh" && strings.Contains(argv[2], "stat -c"):
		stdout = "2|1700000000|regular file\n" + strings.Repeat("a", 64)
		exit = 0
	case len(argv) >= 4 && argv[0] == "sh" && strings.Contains(argv[2], "readlink -f"):
		stdout = argv[len(argv)-1]
		exit = 0
	case len(argv) > 0 && argv[0] == "stat":
		stdout = "2|1700000000|regular file"
		exit = 0
	case len(argv) > 0 && (argv[0] == "mkdir" || argv[0] == "mv"):
		stdout = ""
		exit = 0
	}

	stdoutCh := make(chan runtime.OutputChunk, 1)
	stderrCh := make(chan runtime.OutputChunk, 1)
	if stdout != "" {
		stdoutCh <- runtime.OutputChunk{Data: []byte(stdout)}
	}
	close(stdoutCh)
	close(stderrCh)
	return &runtime.ExecStreams{
		Stdout: stdoutCh, Stderr: stderrCh,
		Wait:   func(ctx context.Context) (int, error) { return exit, nil },
		Signal: func(ctx context.Context, sig string) error { return nil },
	}, nil
}
func (f *fakeDriver) CopyIn(ctx context.Context, runtimeID, destPath string, tarStream io.Reader) error {
	data, err := io.ReadAll(tarStream)
	if err != nil {
		return err
	}
	f.copiedIn[destPath] = data
	return nil
}
func (f *fakeDriver) CopyOut(ctx context.Context, runtimeID, srcPath string) (io.ReadCloser, error) {
	data := f.copyOut[srcPath]
	return io.NopCloser(bytes.NewReader(data)), nil
}
func (f *fakeDriver) StatsSnapshot(ctx context.Context, runtimeID string) (*runtime.Stats, error) {
	return &runtime.Stats{}, nil
}
func (f *fakeDriver) Ping(ctx context.Context) error { return nil }
func (f *fakeDriver) Close() error                   { return nil }

func testToFloat(c prometheus.Counter) float64 {
	return testutil.ToFloat64(c)
}

func testServer(t *testing.T) (*Server, *fakeDriver, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	driver := newFakeDriver()
	images := policy.NewImageValidator([]string{"docker.io"}, nil)
	defaults := container.Defaults{CPULimit: 1, MemLimitMB: 512, PidsLimit: 256, NetworkMode: "none", ReadonlyRootfs: true}
	mgr := container.NewManager(driver, st, images, defaults, nil, 1800, "/workspace", nil)
	engine := exec.NewEngine(driver, st, mgr, 4, 64*1024*1024, 0, 120, nil)
	gw := workspace.NewGateway(driver, mgr)
	maint := reconcile.NewMaintenance(driver, st, nil, 7, nil)

	srv := NewServer(mgr, engine, gw, nil, maint, st, audit.New(nil), metrics.New(), 7, nil)
	return srv, driver, st
}

func TestSpawnColdCreatesContainer(t *testing.T) {
	srv, _, _ := testServer(t)

	res, err := srv.Spawn(context.Background(), SpawnRequest{Image: "python:3.11", Alias: "w1"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ContainerID)
	assert.Equal(t, "w1", res.Alias)
	assert.Equal(t, store.StatusRunning, res.Status)
}

func TestSpawnRejectsDisallowedImageAndRecordsPolicyReject(t *testing.T) {
	srv, _, _ := testServer(t)

	_, err := srv.Spawn(context.Background(), SpawnRequest{Image: "ghcr.io/acme/x:latest"})
	require.Error(t, err)
	assert.Equal(t, float64(1), testToFloat(srv.metrics.PolicyRejections.WithLabelValues("image_policy")))
}

func TestExecStartAndPollRoundTrip(t *testing.T) {
	srv, driver, _ := testServer(t)
	driver.execStdout = "hello\n"
	driver.execExit = 0

	spawned, err := srv.Spawn(context.Background(), SpawnRequest{Image: "python:3.11"})
	require.NoError(t, err)

	started, err := srv.ExecStart(context.Background(), ExecStartRequest{ContainerID: spawned.ContainerID, Cmd: []string{"echo", "hello"}})
	require.NoError(t, err)
	assert.Equal(t, store.ExecStatusRunning, started.Status)

	deadline := time.Now().Add(2 * time.Second)
	var poll *ExecPollResult
	for time.Now().Before(deadline) {
		poll, err = srv.ExecPoll(context.Background(), started.ExecID, -1)
		require.NoError(t, err)
		if poll.Complete {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, poll.Complete)
	var stdout []byte
	for _, m := range poll.Messages {
		if m.Stream == "stdout" {
			stdout = append(stdout, m.Data...)
		}
	}
	assert.Equal(t, "hello\n", string(stdout))
}

func TestFSWriteRecordsAuditAndMetrics(t *testing.T) {
	srv, _, _ := testServer(t)
	spawned, err := srv.Spawn(context.Background(), SpawnRequest{Image: "python:3.11"})
	require.NoError(t, err)

	stat, err := srv.FSWrite(context.Background(), FSWriteRequest{ContainerID: spawned.ContainerID, Path: "a.txt", Content: []byte("hi")})
	require.NoError(t, err)
	assert.NotEmpty(t, stat.ETag)
	assert.Equal(t, float64(1), testToFloat(srv.metrics.FSOperations.WithLabelValues("write", "ok")))
}

func TestKillMarksContainerStopped(t *testing.T) {
	srv, _, st := testServer(t)
	spawned, err := srv.Spawn(context.Background(), SpawnRequest{Image: "python:3.11"})
	require.NoError(t, err)

	_, err = srv.Kill(context.Background(), KillRequest{ContainerID: spawned.ContainerID})
	require.NoError(t, err)

	got, err := st.GetContainer(spawned.ContainerID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, got.Status)
}

func TestStatusReportsActiveContainers(t *testing.T) {
	srv, _, _ := testServer(t)
	_, err := srv.Spawn(context.Background(), SpawnRequest{Image: "python:3.11"})
	require.NoError(t, err)

	status, err := srv.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, status.ContainersActive)
}
