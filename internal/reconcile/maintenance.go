package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/devbenchd/devbenchd/internal/runtime"
	"github.com/devbenchd/devbenchd/internal/store"
)

// maintenanceInterval and execRetention mirror the original's hourly
// sweep and 24h exec retention window.
const (
	maintenanceInterval = time.Hour
	execRetention       = 24 * time.Hour
)

// VolumeDeleter is the narrow slice of the Workspace Gateway's volume
// lifecycle maintenance needs — just enough to reclaim a transient
// container's workspace volume once its row is purged.
type VolumeDeleter interface {
	Delete(ctx context.Context, name string, force bool) error
}

// Maintenance runs hourly: reclaims transient containers past their GC
// window, purges terminated execs and expired idempotency keys past
// retention, and re-syncs every container's status against the runtime.
type Maintenance struct {
	driver          runtime.Driver
	store           *store.Store
	volumes         VolumeDeleter
	transientGCDays int
	logger          *slog.Logger
}

func NewMaintenance(driver runtime.Driver, st *store.Store, volumes VolumeDeleter, transientGCDays int, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{driver: driver, store: st, volumes: volumes, transientGCDays: transientGCDays, logger: logger}
}

// Run blocks, running maintenance once immediately and then every hour,
// until ctx is cancelled.
func (m *Maintenance) Run(ctx context.Context) {
	m.logger.Info("maintenance worker started", "interval", maintenanceInterval)
	m.runOnce(ctx)

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("maintenance worker stopped")
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// RunOnce triggers a single out-of-band maintenance pass, used by the
// admin `gc` tool call to force collection ahead of the hourly tick.
func (m *Maintenance) RunOnce(ctx context.Context) {
	m.runOnce(ctx)
}

func (m *Maintenance) runOnce(ctx context.Context) {
	m.logger.Info("running maintenance tasks")
	now := time.Now().UTC()

	reclaimed := m.reclaimTransients(ctx, now)
	purgedExecs := m.purgeOldExecs(now)
	purgedKeys := m.purgeIdempotencyKeys(now)
	synced := m.syncContainerState(ctx)

	m.logger.Info("maintenance tasks completed",
		"reclaimed_transients", reclaimed, "purged_execs", purgedExecs,
		"purged_idempotency_keys", purgedKeys, "synced_containers", synced)
}

func (m *Maintenance) reclaimTransients(ctx context.Context, now time.Time) int {
	cutoff := now.AddDate(0, 0, -m.transientGCDays)
	stale, err := m.store.ListTransientOlderThan(cutoff)
	if err != nil {
		m.logger.Error("maintenance: listing stale transients", "error", err)
		return 0
	}

	n := 0
	for _, c := range stale {
		if c.RuntimeID != "" {
			if err := m.driver.RemoveContainer(ctx, c.RuntimeID, true); err != nil {
				m.logger.Error("maintenance: removing transient container", "container_id", c.ID, "error", err)
				continue
			}
		}
		if c.WorkspaceVolume != "" {
			if err := m.volumes.Delete(ctx, c.WorkspaceVolume, true); err != nil {
				m.logger.Error("maintenance: removing workspace volume", "container_id", c.ID, "volume", c.WorkspaceVolume, "error", err)
			}
		}
		if err := m.store.DeleteContainer(c.ID); err != nil {
			m.logger.Error("maintenance: deleting container row", "container_id", c.ID, "error", err)
			continue
		}
		n++
	}
	return n
}

func (m *Maintenance) purgeOldExecs(now time.Time) int {
	n, err := m.store.PurgeTerminatedOlderThan(now.Add(-execRetention))
	if err != nil {
		m.logger.Error("maintenance: purging old execs", "error", err)
		return 0
	}
	return int(n)
}

func (m *Maintenance) purgeIdempotencyKeys(now time.Time) int {
	n, err := m.store.PurgeExpiredIdempotencyKeys(now)
	if err != nil {
		m.logger.Error("maintenance: purging idempotency keys", "error", err)
		return 0
	}
	return int(n)
}

// syncContainerState re-verifies every non-terminal container row
// against the runtime, correcting drift a missed event may have left
// behind (e.g. the daemon restarted a container out from under us).
func (m *Maintenance) syncContainerState(ctx context.Context) int {
	containers, err := m.store.ListContainers()
	if err != nil {
		m.logger.Error("maintenance: listing containers to sync", "error", err)
		return 0
	}

	synced := 0
	for _, c := range containers {
		if c.RuntimeID == "" || c.Status == store.StatusStopped || c.Status == store.StatusError {
			continue
		}
		info, err := m.driver.InspectContainer(ctx, c.RuntimeID)
		if err != nil {
			if err := m.store.UpdateContainerStatus(c.ID, store.StatusStopped); err != nil {
				m.logger.Error("maintenance: marking missing container stopped", "container_id", c.ID, "error", err)
				continue
			}
			synced++
			continue
		}
		expected := store.StatusStopped
		if info.Running {
			expected = store.StatusRunning
		}
		if c.Status != expected {
			if err := m.store.UpdateContainerStatus(c.ID, expected); err != nil {
				m.logger.Error("maintenance: syncing container status", "container_id", c.ID, "error", err)
				continue
			}
			synced++
		}
	}
	return synced
}
