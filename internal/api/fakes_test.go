package api

import (
	"context"
	"io"
	"strings"

	"github.com/devbenchd/devbenchd/internal/dispatch"
	"github.com/devbenchd/devbenchd/internal/reconcile"
	"github.com/devbenchd/devbenchd/internal/store"
	"github.com/devbenchd/devbenchd/internal/workspace"
)

// fakeDispatcher is a local double for dispatch.Dispatcher — every
// method returns a canned value/error the test sets up beforehand,
// following the same local-fake pattern used across the control plane
// rather than a generated or testify/mock-based double.
type fakeDispatcher struct {
	spawnResult *dispatch.SpawnResult
	spawnErr    error

	attachResult *dispatch.AttachResult
	attachErr    error

	killResult  *dispatch.KillResult
	killErr     error
	lastKillReq dispatch.KillRequest

	execStartResult *dispatch.ExecStartResult
	execStartErr    error

	execCancelResult *dispatch.ExecCancelResult
	execCancelErr    error

	execPollResult *dispatch.ExecPollResult
	execPollErr    error
	lastAfterSeq   int64

	fsStat     *workspace.Stat
	fsStatErr  error
	fsList     []workspace.Stat
	fsListErr  error
	fsReadData []byte
	fsReadStat *workspace.Stat
	fsReadErr  error
	fsWriteRes *workspace.Stat
	fsWriteErr error
	lastWrite  dispatch.FSWriteRequest
	fsDeleteErr error

	tarExportBody string
	tarExportErr  error
	tarImportRes  *workspace.ImportResult
	tarImportErr  error

	reconcileStats reconcile.Stats
	reconcileErr   error
	gcCalled       bool

	listContainers    []*store.Container
	listContainersErr error
	listExecs         []*store.Exec
	listExecsErr      error

	status    *dispatch.StatusResult
	statusErr error
}

func (f *fakeDispatcher) Spawn(ctx context.Context, req dispatch.SpawnRequest) (*dispatch.SpawnResult, error) {
	return f.spawnResult, f.spawnErr
}
func (f *fakeDispatcher) Attach(ctx context.Context, req dispatch.AttachRequest) (*dispatch.AttachResult, error) {
	return f.attachResult, f.attachErr
}
func (f *fakeDispatcher) Kill(ctx context.Context, req dispatch.KillRequest) (*dispatch.KillResult, error) {
	f.lastKillReq = req
	return f.killResult, f.killErr
}
func (f *fakeDispatcher) ExecStart(ctx context.Context, req dispatch.ExecStartRequest) (*dispatch.ExecStartResult, error) {
	return f.execStartResult, f.execStartErr
}
func (f *fakeDispatcher) ExecCancel(ctx context.Context, execID string) (*dispatch.ExecCancelResult, error) {
	return f.execCancelResult, f.execCancelErr
}
func (f *fakeDispatcher) ExecPoll(ctx context.Context, execID string, afterSeq int64) (*dispatch.ExecPollResult, error) {
	f.lastAfterSeq = afterSeq
	return f.execPollResult, f.execPollErr
}
func (f *fakeDispatcher) FSStat(ctx context.Context, containerID, path string) (*workspace.Stat, error) {
	return f.fsStat, f.fsStatErr
}
func (f *fakeDispatcher) FSList(ctx context.Context, containerID, path string) ([]workspace.Stat, error) {
	return f.fsList, f.fsListErr
}
func (f *fakeDispatcher) FSRead(ctx context.Context, containerID, path string) ([]byte, *workspace.Stat, error) {
	return f.fsReadData, f.fsReadStat, f.fsReadErr
}
func (f *fakeDispatcher) FSWrite(ctx context.Context, req dispatch.FSWriteRequest) (*workspace.Stat, error) {
	f.lastWrite = req
	return f.fsWriteRes, f.fsWriteErr
}
func (f *fakeDispatcher) FSDelete(ctx context.Context, req dispatch.FSDeleteRequest) error {
	return f.fsDeleteErr
}
func (f *fakeDispatcher) TarExport(ctx context.Context, containerID, path string, includeGlobs, excludeGlobs []string) (io.ReadCloser, error) {
	if f.tarExportErr != nil {
		return nil, f.tarExportErr
	}
	return io.NopCloser(strings.NewReader(f.tarExportBody)), nil
}
func (f *fakeDispatcher) TarImport(ctx context.Context, containerID, dest string, stream io.Reader) (*workspace.ImportResult, error) {
	return f.tarImportRes, f.tarImportErr
}
func (f *fakeDispatcher) Reconcile(ctx context.Context) (reconcile.Stats, error) {
	return f.reconcileStats, f.reconcileErr
}
func (f *fakeDispatcher) GC(ctx context.Context) {
	f.gcCalled = true
}
func (f *fakeDispatcher) ListContainers(ctx context.Context) ([]*store.Container, error) {
	return f.listContainers, f.listContainersErr
}
func (f *fakeDispatcher) ListExecs(ctx context.Context, containerID string) ([]*store.Exec, error) {
	return f.listExecs, f.listExecsErr
}
func (f *fakeDispatcher) Status(ctx context.Context) (*dispatch.StatusResult, error) {
	return f.status, f.statusErr
}

func testServer(d *fakeDispatcher, apiKey string) *Server {
	return NewServer(d, apiKey, nil)
}
