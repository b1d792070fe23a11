// Package reconcile owns two workers: boot reconciliation (runs once,
// synchronously, before the server starts accepting requests) and
// periodic maintenance (runs hourly in its own goroutine for the life of
// the process). Neither is restarted after a panic, and maintenance only
// starts once boot reconciliation has returned.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/devbenchd/devbenchd/internal/runtime"
	"github.com/devbenchd/devbenchd/internal/store"
)

// Boot adopts running containers the store has forgotten about (a crash
// between CreateContainer and the status row landing), marks containers
// the store still thinks are live but the daemon no longer has as
// stopped, fails every exec still `running`/`cancelling`/`queued`
// (status failed, exit code -1; no failure reason is recorded), and
// clears every open attachment.
type Boot struct {
	driver          runtime.Driver
	store           *store.Store
	transientGCDays int
	logger          *slog.Logger
}

func NewBoot(driver runtime.Driver, st *store.Store, transientGCDays int, logger *slog.Logger) *Boot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Boot{driver: driver, store: st, transientGCDays: transientGCDays, logger: logger}
}

// Stats summarizes one reconciliation pass, surfaced to the admin `reconcile`
// tool call and to the startup log line.
type Stats struct {
	Discovered int
	Adopted    int
	Removed    int
	Stopped    int
	StaleExecs int
	Errors     int
}

func (b *Boot) Run(ctx context.Context) Stats {
	b.logger.Info("boot reconciliation starting")
	stats := Stats{}

	discovered, err := b.driver.ListByLabel(ctx, runtime.NamespaceLabel, "true")
	if err != nil {
		b.logger.Error("reconcile: discovering labeled containers", "error", err)
		stats.Errors++
		return stats
	}
	stats.Discovered = len(discovered)

	dbContainers, err := b.store.ListContainers()
	if err != nil {
		b.logger.Error("reconcile: listing containers", "error", err)
		stats.Errors++
		return stats
	}

	byRuntimeID := make(map[string]*store.Container, len(dbContainers))
	for _, c := range dbContainers {
		if c.RuntimeID != "" {
			byRuntimeID[c.RuntimeID] = c
		}
	}

	liveRuntimeIDs := make(map[string]bool, len(discovered))
	for _, info := range discovered {
		liveRuntimeIDs[info.RuntimeID] = true
		if _, known := byRuntimeID[info.RuntimeID]; known {
			continue
		}
		adopted, err := b.adopt(ctx, info)
		if err != nil {
			b.logger.Error("reconcile: adopting container", "runtime_id", info.RuntimeID, "error", err)
			stats.Errors++
			continue
		}
		if adopted {
			stats.Adopted++
		} else {
			stats.Removed++
		}
	}

	for _, c := range dbContainers {
		if c.RuntimeID == "" || c.Status == store.StatusStopped || c.Status == store.StatusError {
			continue
		}
		if !liveRuntimeIDs[c.RuntimeID] {
			b.logger.Warn("reconcile: container missing from runtime, marking stopped", "container_id", c.ID)
			if err := b.store.UpdateContainerStatus(c.ID, store.StatusStopped); err != nil {
				b.logger.Error("reconcile: marking container stopped", "container_id", c.ID, "error", err)
				stats.Errors++
				continue
			}
			stats.Stopped++
		}
	}

	stale, err := b.store.ListStaleRunning()
	if err != nil {
		b.logger.Error("reconcile: listing stale execs", "error", err)
		stats.Errors++
	} else {
		now := time.Now().UTC()
		for _, e := range stale {
			if err := b.store.FinishExec(e.ExecID, store.ExecStatusFailed, -1, store.Usage{}, now); err != nil {
				b.logger.Error("reconcile: failing stale exec", "exec_id", e.ExecID, "error", err)
				stats.Errors++
				continue
			}
			stats.StaleExecs++
		}
	}

	if err := b.store.DetachAllOnBoot(); err != nil {
		b.logger.Error("reconcile: detaching all attachments", "error", err)
		stats.Errors++
	}

	b.logger.Info("boot reconciliation complete",
		"discovered", stats.Discovered, "adopted", stats.Adopted, "removed", stats.Removed,
		"stopped", stats.Stopped, "stale_execs", stats.StaleExecs, "errors", stats.Errors)
	return stats
}

// adopt handles a runtime container discovered by label with no matching
// store row. If it's unknown but recent, a row is created (adoption). If
// it's unknown and aged beyond transientGCDays, it's almost certainly a
// transient container whose store row was lost (crash before the row
// landed) long enough ago that re-adopting it would just orphan it again
// at the next restart — it is removed instead. Returns adopted=true when a
// row was created, false when the container was removed.
func (b *Boot) adopt(ctx context.Context, info runtime.ContainerInfo) (bool, error) {
	containerID := info.Labels["container_id"]
	if containerID == "" {
		return false, fmt.Errorf("container %s missing container_id label, skipping adoption", info.RuntimeID)
	}

	existing, err := b.store.GetContainer(containerID)
	if err != nil {
		return false, fmt.Errorf("checking existing row: %w", err)
	}
	if existing != nil {
		return true, b.store.UpdateContainerRuntimeID(containerID, info.RuntimeID)
	}

	if b.transientGCDays > 0 && !info.CreatedAt.IsZero() {
		age := time.Since(info.CreatedAt)
		if age > time.Duration(b.transientGCDays)*24*time.Hour {
			if err := b.driver.RemoveContainer(ctx, info.RuntimeID, true); err != nil {
				return false, fmt.Errorf("removing transient-aged orphan: %w", err)
			}
			b.logger.Info("reconcile: removed transient-aged orphan container", "container_id", containerID, "runtime_id", info.RuntimeID, "age", age)
			return false, nil
		}
	}

	status := store.StatusStopped
	if info.Running {
		status = store.StatusRunning
	}

	now := time.Now().UTC()
	c := &store.Container{
		ID:         containerID,
		RuntimeID:  info.RuntimeID,
		Alias:      info.Labels["alias"],
		ImageRef:   "unknown",
		CreatedAt:  now,
		LastSeenAt: now,
		Status:     status,
	}
	if err := b.store.CreateContainer(c); err != nil {
		return false, fmt.Errorf("recording adopted container: %w", err)
	}
	b.logger.Info("reconcile: adopted orphaned container", "container_id", containerID, "runtime_id", info.RuntimeID)
	return true, nil
}
