package container

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devbenchd/devbenchd/internal/policy"
	"github.com/devbenchd/devbenchd/internal/runtime"
	"github.com/devbenchd/devbenchd/internal/store"
)

type fakeDriver struct {
	nextRuntimeID int
	created       []runtime.ContainerSpec
	started       []string
	stopped       []string
	stopTimeouts  []time.Duration
	removed       []string
}

func (f *fakeDriver) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	f.nextRuntimeID++
	f.created = append(f.created, spec)
	return "rt-" + spec.ID, nil
}
func (f *fakeDriver) StartContainer(ctx context.Context, runtimeID string) error {
	f.started = append(f.started, runtimeID)
	return nil
}
func (f *fakeDriver) StopContainer(ctx context.Context, runtimeID string, timeout time.Duration) error {
	f.stopped = append(f.stopped, runtimeID)
	f.stopTimeouts = append(f.stopTimeouts, timeout)
	return nil
}
func (f *fakeDriver) RemoveContainer(ctx context.Context, runtimeID string, force bool) error {
	f.removed = append(f.removed, runtimeID)
	return nil
}
func (f *fakeDriver) InspectContainer(ctx context.Context, runtimeID string) (*runtime.ContainerInfo, error) {
	return &runtime.ContainerInfo{RuntimeID: runtimeID, Running: true}, nil
}
func (f *fakeDriver) ListByLabel(ctx context.Context, labelKey, labelValue string) ([]runtime.ContainerInfo, error) {
	return nil, nil
}
func (f *fakeDriver) ExecCreate(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (*runtime.ExecHandle, error) {
	return &runtime.ExecHandle{ID: "exec-1", ContainerID: runtimeID}, nil
}
func (f *fakeDriver) ExecStart(ctx context.Context, handle *runtime.ExecHandle) (*runtime.ExecStreams, error) {
	return nil, nil
}
func (f *fakeDriver) CopyIn(ctx context.Context, runtimeID, destPath string, tarStream io.Reader) error {
	return nil
}
func (f *fakeDriver) CopyOut(ctx context.Context, runtimeID, srcPath string) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeDriver) StatsSnapshot(ctx context.Context, runtimeID string) (*runtime.Stats, error) {
	return &runtime.Stats{}, nil
}
func (f *fakeDriver) Ping(ctx context.Context) error { return nil }
func (f *fakeDriver) Close() error                   { return nil }

type fakeVolumeDeleter struct {
	deleted []string
}

func (f *fakeVolumeDeleter) Delete(ctx context.Context, name string, force bool) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func testManager(t *testing.T) (*Manager, *fakeDriver, *store.Store) {
	mgr, driver, _, st := testManagerWithVolumes(t)
	return mgr, driver, st
}

func testManagerWithVolumes(t *testing.T) (*Manager, *fakeDriver, *fakeVolumeDeleter, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	driver := &fakeDriver{}
	volumes := &fakeVolumeDeleter{}
	images := policy.NewImageValidator([]string{"docker.io"}, nil)
	defaults := Defaults{CPULimit: 1, MemLimitMB: 512, PidsLimit: 256, NetworkMode: "none", ReadonlyRootfs: true}
	mgr := NewManager(driver, st, images, defaults, volumes, 1800, "/workspace", nil)
	return mgr, driver, volumes, st
}

func TestSpawnCreatesAndStartsContainer(t *testing.T) {
	mgr, driver, _ := testManager(t)

	c, err := mgr.Spawn(context.Background(), SpawnOpts{Alias: "w1", Image: "python:3.11"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, c.Status)
	assert.Equal(t, "docker.io/library/python:3.11", c.ImageRef)
	assert.Len(t, driver.created, 1)
	assert.Len(t, driver.started, 1)
}

func TestSpawnRejectsDuplicateAlias(t *testing.T) {
	mgr, _, _ := testManager(t)
	_, err := mgr.Spawn(context.Background(), SpawnOpts{Alias: "w1", Image: "python:3.11"})
	require.NoError(t, err)

	_, err = mgr.Spawn(context.Background(), SpawnOpts{Alias: "w1", Image: "python:3.11"})
	require.Error(t, err)
}

func TestSpawnIdempotencyKeyReturnsSameContainer(t *testing.T) {
	mgr, driver, _ := testManager(t)

	c1, err := mgr.Spawn(context.Background(), SpawnOpts{Image: "python:3.11", IdempotencyKey: "k1"})
	require.NoError(t, err)

	c2, err := mgr.Spawn(context.Background(), SpawnOpts{Image: "python:3.11", IdempotencyKey: "k1"})
	require.NoError(t, err)

	assert.Equal(t, c1.ID, c2.ID)
	assert.Len(t, driver.created, 1, "the second spawn must not hit the runtime again")
}

func TestSpawnRejectsDisallowedImage(t *testing.T) {
	mgr, _, _ := testManager(t)
	_, err := mgr.Spawn(context.Background(), SpawnOpts{Image: "ghcr.io/acme/tool:latest"})
	require.Error(t, err)
}

func TestKillStopsAndMarksStopped(t *testing.T) {
	mgr, driver, st := testManager(t)
	c, err := mgr.Spawn(context.Background(), SpawnOpts{Alias: "w1", Image: "python:3.11"})
	require.NoError(t, err)

	require.NoError(t, mgr.Kill(context.Background(), c.ID, false))

	got, err := st.GetContainer(c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, got.Status)
	assert.Len(t, driver.stopped, 1)
	assert.Len(t, driver.removed, 1)
	require.Len(t, driver.stopTimeouts, 1)
	assert.Equal(t, 10*time.Second, driver.stopTimeouts[0], "a non-force kill uses the graceful stop window")
}

func TestForceKillUsesZeroStopTimeout(t *testing.T) {
	mgr, driver, _ := testManager(t)
	c, err := mgr.Spawn(context.Background(), SpawnOpts{Alias: "w1", Image: "python:3.11"})
	require.NoError(t, err)

	require.NoError(t, mgr.Kill(context.Background(), c.ID, true))

	require.Len(t, driver.stopTimeouts, 1)
	assert.Zero(t, driver.stopTimeouts[0], "force kill skips the graceful stop window")
}

func TestKillDeletesTransientWorkspaceVolume(t *testing.T) {
	mgr, _, volumes, _ := testManagerWithVolumes(t)
	c, err := mgr.Spawn(context.Background(), SpawnOpts{Alias: "w1", Image: "python:3.11", Persistent: false})
	require.NoError(t, err)

	require.NoError(t, mgr.Kill(context.Background(), c.ID, false))

	assert.Equal(t, []string{c.WorkspaceVolume}, volumes.deleted)
}

func TestKillOfPersistentContainerKeepsWorkspaceVolume(t *testing.T) {
	mgr, _, volumes, _ := testManagerWithVolumes(t)
	c, err := mgr.Spawn(context.Background(), SpawnOpts{Alias: "w1", Image: "python:3.11", Persistent: true})
	require.NoError(t, err)

	require.NoError(t, mgr.Kill(context.Background(), c.ID, false))

	assert.Empty(t, volumes.deleted)
}

func TestResolveByAliasOrID(t *testing.T) {
	mgr, _, _ := testManager(t)
	c, err := mgr.Spawn(context.Background(), SpawnOpts{Alias: "w1", Image: "python:3.11"})
	require.NoError(t, err)

	byID, err := mgr.Resolve(c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, byID.ID)

	byAlias, err := mgr.Resolve("w1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, byAlias.ID)
}
