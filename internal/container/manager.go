// Package container implements the Container Manager: spawn, attach,
// kill, and resolve operations over a runtime.Driver and the durable
// store, with image policy and hardened security defaults applied
// before anything reaches the runtime.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/devbenchd/devbenchd/internal/policy"
	"github.com/devbenchd/devbenchd/internal/runtime"
	"github.com/devbenchd/devbenchd/internal/store"
	"github.com/devbenchd/devbenchd/internal/taxonomy"
)

// Defaults mirrors config.Defaults; kept independent of the config
// package so this package has no import-time dependency on YAML.
type Defaults struct {
	CPULimit       float64
	MemLimitMB     int
	PidsLimit      int
	NetworkMode    string
	ReadonlyRootfs bool
}

// SpawnOpts captures the caller-controlled subset of a spawn request;
// everything else (security config, labels) is computed server-side.
type SpawnOpts struct {
	Alias          string
	Image          string
	Persistent     bool
	TTLSeconds     int
	AsRoot         bool
	IdempotencyKey string
}

// volumeDeleter is the narrow slice of workspace.VolumeManager the Manager
// needs to reclaim a container's transient workspace volume at kill time,
// without importing the workspace package (which imports container).
type volumeDeleter interface {
	Delete(ctx context.Context, name string, force bool) error
}

// Manager owns the containers table and drives the runtime adapter to
// realize spawn/kill/attach operations. It holds no exec state — that is
// the Execution Engine's job (internal/exec).
type Manager struct {
	driver   runtime.Driver
	store    *store.Store
	images   *policy.ImageValidator
	defaults Defaults
	volumes  volumeDeleter
	logger   *slog.Logger

	defaultTTLSeconds int
	mountPath         string
}

func NewManager(driver runtime.Driver, st *store.Store, images *policy.ImageValidator, defaults Defaults, volumes volumeDeleter, defaultTTLSeconds int, mountPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		driver:            driver,
		store:             st,
		images:            images,
		defaults:          defaults,
		volumes:           volumes,
		defaultTTLSeconds: defaultTTLSeconds,
		mountPath:         mountPath,
		logger:            logger,
	}
}

// Spawn creates (or reuses, via idempotency key) a new container. The
// caller-supplied image goes through ImageValidator.Resolve before anything is
// passed to the runtime adapter — the adapter itself imposes no policy.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOpts) (*store.Container, error) {
	if opts.IdempotencyKey != "" {
		if existing, err := m.store.GetContainerByIdempotencyKey(opts.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("checking idempotency key: %w", err)
		} else if existing != nil {
			return existing, nil
		}
	}

	if opts.Alias != "" {
		if existing, err := m.store.GetContainerByAlias(opts.Alias); err != nil {
			return nil, fmt.Errorf("checking alias: %w", err)
		} else if existing != nil {
			return nil, fmt.Errorf("%w: alias %q already in use", taxonomy.ErrAlreadyExists, opts.Alias)
		}
	}

	resolvedImage, err := m.images.Resolve(opts.Image)
	if err != nil {
		return nil, err
	}

	id := "c_" + uuid.New().String()[:12]
	now := time.Now().UTC()
	ttl := opts.TTLSeconds
	if ttl <= 0 {
		ttl = m.defaultTTLSeconds
	}
	volumeName := "devbench-ws-" + id

	c := &store.Container{
		ID:              id,
		Alias:           opts.Alias,
		ImageRef:        resolvedImage,
		Persistent:      opts.Persistent,
		CreatedAt:       now,
		LastSeenAt:      now,
		TTLSeconds:      ttl,
		WorkspaceVolume: volumeName,
		Status:          store.StatusCreating,
		IdempotencyKey:  opts.IdempotencyKey,
	}
	if err := m.store.CreateContainer(c); err != nil {
		return nil, fmt.Errorf("recording container: %w", err)
	}

	spec := runtime.ContainerSpec{
		ID:              id,
		Image:           resolvedImage,
		Labels:          map[string]string{"alias": opts.Alias},
		WorkspaceVolume: volumeName,
		WorkspaceMount:  m.mountPath,
		CPULimit:        m.defaults.CPULimit,
		MemLimitBytes:   int64(m.defaults.MemLimitMB) * 1024 * 1024,
		PidsLimit:       int64(m.defaults.PidsLimit),
		ReadonlyRootfs:  m.defaults.ReadonlyRootfs,
		NetworkMode:     m.defaults.NetworkMode,
		AsRoot:          opts.AsRoot,
	}

	runtimeID, err := m.driver.CreateContainer(ctx, spec)
	if err != nil {
		_ = m.store.UpdateContainerStatus(id, store.StatusError)
		return nil, fmt.Errorf("creating container: %w", err)
	}
	if err := m.driver.StartContainer(ctx, runtimeID); err != nil {
		_ = m.driver.RemoveContainer(context.Background(), runtimeID, true)
		_ = m.store.UpdateContainerStatus(id, store.StatusError)
		return nil, fmt.Errorf("starting container: %w", err)
	}

	if err := m.store.UpdateContainerRuntimeID(id, runtimeID); err != nil {
		return nil, fmt.Errorf("recording runtime id: %w", err)
	}
	c.RuntimeID = runtimeID
	c.Status = store.StatusRunning

	m.logger.Info("container spawned", "container_id", id, "image", resolvedImage, "alias", opts.Alias)
	return c, nil
}

// Resolve looks up a container by id or alias, whichever was given.
func (m *Manager) Resolve(idOrAlias string) (*store.Container, error) {
	c, err := m.store.GetContainer(idOrAlias)
	if err != nil {
		return nil, fmt.Errorf("resolving container: %w", err)
	}
	if c != nil {
		return c, nil
	}
	c, err = m.store.GetContainerByAlias(idOrAlias)
	if err != nil {
		return nil, fmt.Errorf("resolving container by alias: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", taxonomy.ErrNotFound, idOrAlias)
	}
	return c, nil
}

// Attach records a logical client attachment to a container (the ring
// buffer/output stream is per-exec, not per-attachment — attaching just
// marks the client as an active consumer for listing/drain purposes).
func (m *Manager) Attach(idOrAlias, clientName, sessionID string) (*store.Container, error) {
	c, err := m.Resolve(idOrAlias)
	if err != nil {
		return nil, err
	}
	if err := m.store.CreateAttachment(&store.Attachment{
		ContainerID: c.ID,
		ClientName:  clientName,
		SessionID:   sessionID,
		AttachedAt:  time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("recording attachment: %w", err)
	}
	_ = m.store.UpdateContainerLastSeen(c.ID, time.Now().UTC())
	return c, nil
}

// Kill stops and removes a container's runtime resources and marks it
// stopped in the store. Terminal by design: a killed container's alias
// is immediately reusable (the unique index excludes 'stopped'). force
// skips the 10s graceful stop window (immediate SIGKILL-equivalent); the
// runtime container is force-removed in either case.
func (m *Manager) Kill(ctx context.Context, idOrAlias string, force bool) error {
	c, err := m.Resolve(idOrAlias)
	if err != nil {
		return err
	}

	_ = m.store.UpdateContainerStatus(c.ID, store.StatusStopping)
	if c.RuntimeID != "" {
		stopTimeout := 10 * time.Second
		if force {
			stopTimeout = 0
		}
		if err := m.driver.StopContainer(ctx, c.RuntimeID, stopTimeout); err != nil {
			m.logger.Warn("stop container failed, forcing removal", "container_id", c.ID, "error", err)
		}
		if err := m.driver.RemoveContainer(ctx, c.RuntimeID, true); err != nil {
			return fmt.Errorf("removing container: %w", err)
		}
	}
	if !c.Persistent && c.WorkspaceVolume != "" && m.volumes != nil {
		if err := m.volumes.Delete(ctx, c.WorkspaceVolume, true); err != nil {
			m.logger.Warn("failed to delete transient workspace volume on kill", "container_id", c.ID, "volume", c.WorkspaceVolume, "error", err)
		}
	}
	if err := m.store.DetachAll(c.ID); err != nil {
		return fmt.Errorf("detaching clients: %w", err)
	}
	if err := m.store.UpdateContainerStatus(c.ID, store.StatusStopped); err != nil {
		return fmt.Errorf("marking container stopped: %w", err)
	}
	m.logger.Info("container killed", "container_id", c.ID, "force", force)
	return nil
}

// List returns every container known to the store, irrespective of status.
func (m *Manager) List() ([]*store.Container, error) {
	return m.store.ListContainers()
}

// Driver exposes the underlying runtime.Driver for callers (boot
// reconciliation) that need direct adapter access outside the Manager's
// own spawn/kill/resolve surface.
func (m *Manager) Driver() runtime.Driver {
	return m.driver
}
