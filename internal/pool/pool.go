// Package pool maintains a warm set of pre-created containers so spawn
// can bypass the cold create/start path. Claims are a single-row CAS in
// the State Store, not an in-memory handoff, so a claim can never race
// with a concurrent health-check sweep marking the same row unhealthy.
package pool

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/devbenchd/devbenchd/internal/policy"
	"github.com/devbenchd/devbenchd/internal/runtime"
	"github.com/devbenchd/devbenchd/internal/store"
)

const healthCheckInterval = 60 * time.Second

// Pool maintains Size warm containers of Image in `running, warm=true`
// status, replacing unhealthy ones on a fixed tick.
type Pool struct {
	driver runtime.Driver
	store  *store.Store
	images *policy.ImageValidator
	logger *slog.Logger

	image          string
	size           int
	mountPath      string
	defaultCPU     float64
	defaultMemMB   int
	defaultPids    int
	networkMode    string
	readonlyRootfs bool
}

type Config struct {
	Image          string
	Size           int
	MountPath      string
	CPULimit       float64
	MemLimitMB     int
	PidsLimit      int
	NetworkMode    string
	ReadonlyRootfs bool
}

func New(driver runtime.Driver, st *store.Store, images *policy.ImageValidator, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		driver: driver, store: st, images: images, logger: logger,
		image: cfg.Image, size: cfg.Size, mountPath: cfg.MountPath,
		defaultCPU: cfg.CPULimit, defaultMemMB: cfg.MemLimitMB, defaultPids: cfg.PidsLimit,
		networkMode: cfg.NetworkMode, readonlyRootfs: cfg.ReadonlyRootfs,
	}
}

// Run maintains the pool until ctx is cancelled: tops up to Size on
// start, then re-checks health every 60s and replaces unhealthy members.
// A crash here must not affect boot reconciliation — it is its own
// supervised goroutine (§4.6).
func (p *Pool) Run(ctx context.Context) {
	if p.size <= 0 {
		return
	}
	p.topUp(ctx)

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkHealth(ctx)
			p.topUp(ctx)
		}
	}
}

func (p *Pool) topUp(ctx context.Context) {
	warm, err := p.store.ListWarmContainers()
	if err != nil {
		p.logger.Error("listing warm containers", "error", err)
		return
	}
	deficit := p.size - len(warm)
	for i := 0; i < deficit; i++ {
		if err := p.createWarmContainer(ctx); err != nil {
			p.logger.Error("creating warm container", "error", err)
			return
		}
	}
}

func (p *Pool) createWarmContainer(ctx context.Context) error {
	resolvedImage, err := p.images.Resolve(p.image)
	if err != nil {
		return err
	}

	id := "c_" + uuid.New().String()[:12]
	now := time.Now().UTC()
	volumeName := "devbench-ws-" + id

	c := &store.Container{
		ID: id, ImageRef: resolvedImage, CreatedAt: now, LastSeenAt: now,
		WorkspaceVolume: volumeName, Status: store.StatusCreating, Warm: true,
	}
	if err := p.store.CreateContainer(c); err != nil {
		return err
	}

	runtimeID, err := p.driver.CreateContainer(ctx, runtime.ContainerSpec{
		ID: id, Image: resolvedImage, Labels: map[string]string{"warm": "true"},
		WorkspaceVolume: volumeName, WorkspaceMount: p.mountPath,
		CPULimit: p.defaultCPU, MemLimitBytes: int64(p.defaultMemMB) * 1024 * 1024,
		PidsLimit: int64(p.defaultPids), ReadonlyRootfs: p.readonlyRootfs, NetworkMode: p.networkMode,
	})
	if err != nil {
		_ = p.store.UpdateContainerStatus(id, store.StatusError)
		return err
	}
	if err := p.driver.StartContainer(ctx, runtimeID); err != nil {
		_ = p.driver.RemoveContainer(ctx, runtimeID, true)
		_ = p.store.UpdateContainerStatus(id, store.StatusError)
		return err
	}
	return p.store.UpdateContainerRuntimeID(id, runtimeID)
}

func (p *Pool) checkHealth(ctx context.Context) {
	warm, err := p.store.ListWarmContainers()
	if err != nil {
		p.logger.Error("listing warm containers for health check", "error", err)
		return
	}
	for _, c := range warm {
		info, err := p.driver.InspectContainer(ctx, c.RuntimeID)
		if err != nil || !info.Running {
			p.logger.Warn("replacing unhealthy warm container", "container_id", c.ID)
			_ = p.driver.RemoveContainer(ctx, c.RuntimeID, true)
			_ = p.store.UpdateContainerStatus(c.ID, store.StatusError)
		}
	}
}

// Claim atomically hands a warm container to a real workload, guarded by
// the CAS predicate warm=true. Returns ok=false (never an error) when no
// claim succeeds, so the caller falls through to a cold spawn.
func (p *Pool) Claim(alias string, persistent bool) (*store.Container, bool, error) {
	warm, err := p.store.ListWarmContainers()
	if err != nil {
		return nil, false, err
	}
	for _, c := range warm {
		ok, err := p.store.ClaimWarmContainer(c.ID, alias, persistent)
		if err != nil {
			return nil, false, err
		}
		if ok {
			claimed, err := p.store.GetContainer(c.ID)
			if err != nil {
				return nil, false, err
			}
			return claimed, true, nil
		}
	}
	return nil, false, nil
}
