package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/devbenchd/devbenchd/internal/audit"
	"github.com/devbenchd/devbenchd/internal/container"
	"github.com/devbenchd/devbenchd/internal/exec"
	"github.com/devbenchd/devbenchd/internal/metrics"
	"github.com/devbenchd/devbenchd/internal/pool"
	"github.com/devbenchd/devbenchd/internal/reconcile"
	"github.com/devbenchd/devbenchd/internal/store"
	"github.com/devbenchd/devbenchd/internal/taxonomy"
	"github.com/devbenchd/devbenchd/internal/workspace"
)

// Server is the concrete Dispatcher every transport adapter binds to.
type Server struct {
	containers  *container.Manager
	execs       *exec.Engine
	workspace   *workspace.Gateway
	warmPool    *pool.Pool
	maintenance *reconcile.Maintenance
	store       *store.Store
	audit       *audit.Logger
	metrics     *metrics.Metrics
	logger      *slog.Logger

	transientGCDays int
}

func NewServer(
	containers *container.Manager,
	execs *exec.Engine,
	ws *workspace.Gateway,
	warmPool *pool.Pool,
	maintenance *reconcile.Maintenance,
	st *store.Store,
	auditLogger *audit.Logger,
	m *metrics.Metrics,
	transientGCDays int,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		containers: containers, execs: execs, workspace: ws, warmPool: warmPool,
		maintenance: maintenance, store: st, audit: auditLogger, metrics: m,
		transientGCDays: transientGCDays, logger: logger,
	}
}

// Spawn tries the warm pool before falling back to a cold create, per
// §4.6. A warm claim never consults opts.Image's policy since the warm
// container was already created against an allow-listed image.
func (s *Server) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	if s.warmPool != nil && req.IdempotencyKey == "" {
		claimed, ok, err := s.warmPool.Claim(req.Alias, req.Persistent)
		if err != nil {
			s.logger.Warn("warm pool claim failed, falling back to cold spawn", "error", err)
		} else if ok {
			s.metrics.RecordWarmPoolClaim("warm_pool")
			s.metrics.RecordSpawn("warm_pool")
			s.audit.Log(audit.Event{Type: audit.EventSpawn, ContainerID: claimed.ID,
				Details: map[string]any{"source": "warm_pool", "alias": req.Alias}})
			return &SpawnResult{ContainerID: claimed.ID, Alias: claimed.Alias, Status: claimed.Status}, nil
		}
	}

	c, err := s.containers.Spawn(ctx, container.SpawnOpts{
		Alias: req.Alias, Image: req.Image, Persistent: req.Persistent,
		TTLSeconds: req.TTLSeconds, AsRoot: req.AsRoot, IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		outcome := "error"
		if taxonomy.Classify(err) == taxonomy.CodeImagePolicy {
			outcome = "policy_reject"
			s.metrics.RecordPolicyRejection("image_policy")
			s.audit.Log(audit.Event{Type: audit.EventPolicyReject, Details: map[string]any{"image": req.Image}})
		}
		s.metrics.RecordSpawn(outcome)
		return nil, err
	}
	s.metrics.RecordWarmPoolClaim("cold")
	s.metrics.RecordSpawn("cold")
	s.audit.Log(audit.Event{Type: audit.EventSpawn, ContainerID: c.ID,
		Details: map[string]any{"source": "cold", "image": c.ImageRef, "persistent": c.Persistent}})
	return &SpawnResult{ContainerID: c.ID, Alias: c.Alias, Status: c.Status}, nil
}

func (s *Server) Attach(ctx context.Context, req AttachRequest) (*AttachResult, error) {
	c, err := s.containers.Attach(req.Target, req.ClientName, req.SessionID)
	if err != nil {
		return nil, err
	}
	s.audit.Log(audit.Event{Type: audit.EventAttach, ContainerID: c.ID, ClientName: req.ClientName, SessionID: req.SessionID})
	return &AttachResult{ContainerID: c.ID, Alias: c.Alias, Roots: []string{"workspace:" + c.ID}}, nil
}

func (s *Server) Kill(ctx context.Context, req KillRequest) (*KillResult, error) {
	if err := s.execs.CancelAllForContainer(ctx, req.ContainerID); err != nil {
		s.logger.Warn("cancelling executions before kill failed", "container_id", req.ContainerID, "error", err)
	}
	if err := s.containers.Kill(ctx, req.ContainerID, req.Force); err != nil {
		return nil, err
	}
	s.audit.Log(audit.Event{Type: audit.EventKill, ContainerID: req.ContainerID, Details: map[string]any{"force": req.Force}})
	return &KillResult{Status: store.StatusStopped}, nil
}

func (s *Server) ExecStart(ctx context.Context, req ExecStartRequest) (*ExecStartResult, error) {
	e, err := s.execs.Start(ctx, exec.StartOpts{
		ContainerID: req.ContainerID, Argv: req.Cmd, Cwd: req.Cwd, Env: req.Env,
		AsRoot: req.AsRoot, TimeoutSeconds: req.TimeoutSeconds, IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if taxonomy.Classify(err) == taxonomy.CodeConcurrencyLimit {
			s.metrics.RecordConcurrencyRejected(req.ContainerID)
		}
		return nil, err
	}
	s.audit.Log(audit.Event{Type: audit.EventExecStart, ContainerID: req.ContainerID,
		Details: map[string]any{"cmd": req.Cmd, "as_root": req.AsRoot}})
	return &ExecStartResult{ExecID: e.ExecID, Status: e.Status}, nil
}

func (s *Server) ExecCancel(ctx context.Context, execID string) (*ExecCancelResult, error) {
	e, err := s.execs.Cancel(execID)
	if err != nil {
		return nil, err
	}
	s.audit.Log(audit.Event{Type: audit.EventExecCancel, Details: map[string]any{"exec_id": execID}})
	return &ExecCancelResult{ExecID: e.ExecID, Status: e.Status}, nil
}

func (s *Server) ExecPoll(ctx context.Context, execID string, afterSeq int64) (*ExecPollResult, error) {
	res, err := s.execs.Poll(execID, afterSeq)
	if err != nil {
		return nil, err
	}
	if res.Complete {
		e, err := s.store.GetExec(execID)
		if err == nil && e != nil && e.Usage != nil {
			s.metrics.RecordExec(e.Status, float64(e.Usage.WallMs)/1000)
		}
	}
	messages := make([]ExecMessage, 0, len(res.Frames))
	for _, f := range res.Frames {
		var usage *exec.Usage
		if f.Usage != nil {
			u := *f.Usage
			usage = &u
		}
		messages = append(messages, ExecMessage{Seq: f.Seq, Stream: f.Stream, Data: f.Data, ExitCode: f.ExitCode, Usage: usage})
	}
	return &ExecPollResult{Messages: messages, Complete: res.Complete, GapFromSeq: res.GapFromSeq}, nil
}

func (s *Server) FSStat(ctx context.Context, containerID, path string) (*workspace.Stat, error) {
	return s.workspace.Stat(ctx, containerID, path)
}

func (s *Server) FSList(ctx context.Context, containerID, path string) ([]workspace.Stat, error) {
	return s.workspace.List(ctx, containerID, path)
}

func (s *Server) FSRead(ctx context.Context, containerID, path string) ([]byte, *workspace.Stat, error) {
	content, stat, err := s.workspace.Read(ctx, containerID, path)
	s.metrics.RecordFSOperation("read", outcomeOf(err), len(content))
	return content, stat, err
}

func (s *Server) FSWrite(ctx context.Context, req FSWriteRequest) (*workspace.Stat, error) {
	stat, err := s.workspace.Write(ctx, req.ContainerID, req.Path, req.Content, req.IfMatchETag)
	s.metrics.RecordFSOperation("write", outcomeOf(err), len(req.Content))
	if err == nil {
		s.audit.Log(audit.Event{Type: audit.EventFSWrite, ContainerID: req.ContainerID,
			Details: map[string]any{"path": req.Path, "bytes": len(req.Content)}})
	}
	return stat, err
}

func (s *Server) FSDelete(ctx context.Context, req FSDeleteRequest) error {
	err := s.workspace.Delete(ctx, req.ContainerID, req.Path, req.Recursive)
	s.metrics.RecordFSOperation("delete", outcomeOf(err), 0)
	if err == nil {
		s.audit.Log(audit.Event{Type: audit.EventFSDelete, ContainerID: req.ContainerID,
			Details: map[string]any{"path": req.Path, "recursive": req.Recursive}})
	}
	return err
}

func (s *Server) TarExport(ctx context.Context, containerID, path string, includeGlobs, excludeGlobs []string) (io.ReadCloser, error) {
	return s.workspace.TarExport(ctx, containerID, path, includeGlobs, excludeGlobs)
}

func (s *Server) TarImport(ctx context.Context, containerID, dest string, stream io.Reader) (*workspace.ImportResult, error) {
	result, err := s.workspace.TarImport(ctx, containerID, dest, stream)
	if err == nil {
		s.audit.Log(audit.Event{Type: audit.EventTransferImport, ContainerID: containerID,
			Details: map[string]any{"dest": dest, "files_written": result.FilesWritten}})
	}
	return result, err
}

func (s *Server) Reconcile(ctx context.Context) (reconcile.Stats, error) {
	stats := reconcile.NewBoot(s.containers.Driver(), s.store, s.transientGCDays, s.logger).Run(ctx)
	s.audit.Log(audit.Event{Type: audit.EventReconcile, Details: map[string]any{
		"adopted": stats.Adopted, "stopped": stats.Stopped, "stale_execs": stats.StaleExecs,
	}})
	return stats, nil
}

func (s *Server) GC(ctx context.Context) {
	s.maintenance.RunOnce(ctx)
}

func (s *Server) ListContainers(ctx context.Context) ([]*store.Container, error) {
	return s.containers.List()
}

func (s *Server) ListExecs(ctx context.Context, containerID string) ([]*store.Exec, error) {
	return s.store.ListExecsByContainer(containerID)
}

func (s *Server) Status(ctx context.Context) (*StatusResult, error) {
	running, err := s.store.ListContainersByStatus(store.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("listing running containers: %w", err)
	}
	warm, err := s.store.ListWarmContainers()
	if err != nil {
		return nil, fmt.Errorf("listing warm containers: %w", err)
	}
	return &StatusResult{ContainersActive: len(running), WarmPoolSize: len(warm)}, nil
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
