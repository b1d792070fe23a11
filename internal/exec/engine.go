// Package exec implements the Execution Engine: per-container concurrency
// limiting, asynchronous command execution, ring-buffer output streaming
// with cursor polling, timeout/cancellation, idempotency, and resource
// accounting.
package exec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devbenchd/devbenchd/internal/runtime"
	"github.com/devbenchd/devbenchd/internal/store"
	"github.com/devbenchd/devbenchd/internal/taxonomy"
)

// cancelGrace is how long exec_cancel/timeout waits for the process to
// exit gracefully after each escalation step (TERM, then KILL) before
// moving to the next.
const cancelGrace = 5 * time.Second

// drainTimeout bounds how long finishTerminal waits for the stdout/stderr
// reader goroutines to observe stream closure after the process has been
// signalled dead, so a stuck demux can never hang the engine forever.
const drainTimeout = 10 * time.Second

// StartOpts is the caller-supplied subset of an exec_start request.
type StartOpts struct {
	ContainerID    string
	Argv           []string
	Cwd            string
	Env            map[string]string
	AsRoot         bool
	TimeoutSeconds int
	IdempotencyKey string
}

// containerResolver is the narrow slice of container.Manager the engine
// needs — resolving an id/alias to its runtime id without importing the
// container package (which would create an import cycle back to exec).
type containerResolver interface {
	Resolve(idOrAlias string) (*store.Container, error)
}

// Engine owns the live ring buffers and per-container semaphores. Ring
// buffers are in-memory only and do not survive a process restart (§4.6
// boot reconciliation marks stale rows failed but never reconstructs
// buffered output that was never persisted).
type Engine struct {
	driver     runtime.Driver
	store      *store.Store
	containers containerResolver
	logger     *slog.Logger

	concurrencyPerContainer int
	outputBudgetBytes       int
	defaultTimeoutSeconds   int
	pollResponseCapBytes    int

	mu      sync.Mutex
	sems    map[string]chan struct{} // container_id -> buffered channel semaphore
	buffers map[string]*ringBuffer   // exec_id -> ring buffer
	cancels map[string]context.CancelFunc
}

func NewEngine(driver runtime.Driver, st *store.Store, containers containerResolver, concurrencyPerContainer, outputBudgetBytes, pollResponseCapBytes, defaultTimeoutSeconds int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		driver:                  driver,
		store:                   st,
		containers:              containers,
		logger:                  logger,
		concurrencyPerContainer: concurrencyPerContainer,
		outputBudgetBytes:       outputBudgetBytes,
		pollResponseCapBytes:    pollResponseCapBytes,
		defaultTimeoutSeconds:   defaultTimeoutSeconds,
		sems:                    make(map[string]chan struct{}),
		buffers:                 make(map[string]*ringBuffer),
		cancels:                 make(map[string]context.CancelFunc),
	}
}

func (e *Engine) semaphoreFor(containerID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	sem, ok := e.sems[containerID]
	if !ok {
		sem = make(chan struct{}, e.concurrencyPerContainer)
		e.sems[containerID] = sem
	}
	return sem
}

// tryAcquire is the non-blocking try-acquire pattern (§5): a buffered
// channel used as a counting semaphore with select/default.
func tryAcquire(sem chan struct{}) bool {
	select {
	case sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func release(sem chan struct{}) {
	select {
	case <-sem:
	default:
	}
}

// Start begins an asynchronous execution and returns once it is
// persisted and scheduled — not once it completes.
func (e *Engine) Start(ctx context.Context, opts StartOpts) (*store.Exec, error) {
	execID := "e_" + uuid.New().String()[:12]
	if opts.IdempotencyKey != "" {
		target, isNew, err := e.store.ReserveIdempotencyKey(opts.IdempotencyKey, store.IdempotencyKindExec, execID, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("checking idempotency key: %w", err)
		}
		if !isNew {
			existing, err := e.store.GetExec(target)
			if err != nil {
				return nil, fmt.Errorf("looking up idempotent exec: %w", err)
			}
			if existing != nil {
				return existing, nil
			}
			// The key was reserved by a start that never recorded its
			// exec; reuse the reserved id so the key resolves to this one.
			execID = target
		}
	}

	c, err := e.containers.Resolve(opts.ContainerID)
	if err != nil {
		return nil, err
	}

	sem := e.semaphoreFor(c.ID)
	if !tryAcquire(sem) {
		return nil, fmt.Errorf("%w: container %s has reached its concurrent execution limit", taxonomy.ErrConcurrencyLimit, c.ID)
	}

	timeout := opts.TimeoutSeconds
	if timeout <= 0 {
		timeout = e.defaultTimeoutSeconds
	}

	now := time.Now().UTC()
	record := &store.Exec{
		ExecID:         execID,
		ContainerID:    c.ID,
		Argv:           opts.Argv,
		Cwd:            opts.Cwd,
		Env:            opts.Env,
		AsRoot:         opts.AsRoot,
		TimeoutSeconds: timeout,
		StartedAt:      now,
		Status:         store.ExecStatusRunning,
	}
	if err := e.store.CreateExec(record); err != nil {
		release(sem)
		return nil, fmt.Errorf("recording exec: %w", err)
	}

	buf := newRingBuffer(e.outputBudgetBytes)
	e.mu.Lock()
	e.buffers[execID] = buf
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[execID] = cancel
	e.mu.Unlock()

	handle, err := e.driver.ExecCreate(ctx, c.RuntimeID, runtime.ExecSpec{
		Argv: opts.Argv, Env: opts.Env, Cwd: opts.Cwd, AsRoot: opts.AsRoot,
	})
	if err != nil {
		release(sem)
		cancel()
		_ = e.store.UpdateExecStatus(execID, store.ExecStatusFailed)
		return nil, fmt.Errorf("creating runtime exec: %w", err)
	}

	go e.run(runCtx, cancel, sem, execID, handle, time.Duration(timeout)*time.Second)

	return record, nil
}

func (e *Engine) run(ctx context.Context, cancel context.CancelFunc, sem chan struct{}, execID string, handle *runtime.ExecHandle, timeout time.Duration) {
	defer release(sem)
	defer cancel()

	streams, err := e.driver.ExecStart(ctx, handle)
	if err != nil {
		e.finishTerminal(execID, store.ExecStatusFailed, -1, store.Usage{})
		return
	}

	buf := e.bufferFor(execID)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for chunk := range streams.Stdout {
			buf.append("stdout", chunk.Data)
		}
	}()
	go func() {
		defer wg.Done()
		for chunk := range streams.Stderr {
			buf.append("stderr", chunk.Data)
		}
	}()

	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	waitCh := make(chan execResult, 1)
	go func() {
		code, err := streams.Wait(context.Background())
		waitCh <- execResult{code: code, err: err}
	}()

	status := store.ExecStatusExited
	exitCode := 0
	started := time.Now()

	select {
	case result := <-waitCh:
		if result.err != nil {
			status = store.ExecStatusFailed
		}
		exitCode = result.code
	case <-timeoutTimer.C:
		status = store.ExecStatusTimedOut
		exitCode = e.terminateAndWait(execID, streams, waitCh)
	case <-ctx.Done():
		status = store.ExecStatusCancelled
		exitCode = e.terminateAndWait(execID, streams, waitCh)
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		e.logger.Warn("timed out draining exec output streams after termination", "exec_id", execID)
	}

	usage := store.Usage{WallMs: time.Since(started).Milliseconds()}
	if stats, err := e.driver.StatsSnapshot(context.Background(), handle.ContainerID); err == nil && stats != nil {
		usage.CPUMs = stats.CPUNanos / 1_000_000
		usage.MemPeakBytes = stats.MemBytes
	}

	e.finishTerminal(execID, status, exitCode, usage)
}

// execResult is the outcome of streams.Wait, shared between the initial
// select in run() and the escalation steps in terminateAndWait.
type execResult struct {
	code int
	err  error
}

// terminateAndWait escalates TERM then KILL against the running process,
// waiting cancelGrace after each signal for streams.Wait to resolve. If
// KILL also fails to produce an exit within the grace window, exitCode -1
// is reported and the caller proceeds — it must not block forever on a
// process that refuses to die.
func (e *Engine) terminateAndWait(execID string, streams *runtime.ExecStreams, waitCh <-chan execResult) int {
	sigCtx, sigCancel := context.WithTimeout(context.Background(), cancelGrace)
	if err := streams.Signal(sigCtx, "TERM"); err != nil {
		e.logger.Warn("failed to deliver TERM to exec", "exec_id", execID, "error", err)
	}
	sigCancel()

	select {
	case result := <-waitCh:
		return result.code
	case <-time.After(cancelGrace):
	}

	killCtx, killCancel := context.WithTimeout(context.Background(), cancelGrace)
	if err := streams.Signal(killCtx, "KILL"); err != nil {
		e.logger.Warn("failed to deliver KILL to exec", "exec_id", execID, "error", err)
	}
	killCancel()

	select {
	case result := <-waitCh:
		return result.code
	case <-time.After(cancelGrace):
		e.logger.Warn("exec did not exit after TERM/KILL escalation", "exec_id", execID)
		return -1
	}
}

func (e *Engine) finishTerminal(execID, status string, exitCode int, usage store.Usage) {
	buf := e.bufferFor(execID)
	if buf != nil {
		buf.finish(exitCode, Usage{CPUMs: usage.CPUMs, MemPeakBytes: usage.MemPeakBytes, WallMs: usage.WallMs})
	}
	if err := e.store.FinishExec(execID, status, exitCode, usage, time.Now().UTC()); err != nil {
		e.logger.Error("failed to persist exec completion", "exec_id", execID, "error", err)
	}
}

func (e *Engine) bufferFor(execID string) *ringBuffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffers[execID]
}

// Cancel moves a running execution to cancelling and signals it. A
// second call against an already-terminal execution is a no-op that
// returns the current status (idempotent by design, per the state
// machine's absorbing terminal states).
func (e *Engine) Cancel(execID string) (*store.Exec, error) {
	rec, err := e.store.GetExec(execID)
	if err != nil {
		return nil, fmt.Errorf("looking up exec: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", taxonomy.ErrNotFound, execID)
	}
	if rec.Status != store.ExecStatusRunning {
		return rec, nil
	}

	if err := e.store.UpdateExecStatus(execID, store.ExecStatusCancelling); err != nil {
		return nil, fmt.Errorf("marking exec cancelling: %w", err)
	}

	e.mu.Lock()
	cancel := e.cancels[execID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	rec.Status = store.ExecStatusCancelling
	return rec, nil
}

// CancelAllForContainer cancels every non-terminal execution belonging to
// idOrAlias — used by container Kill (§4.3) to ensure no execution is left
// running against a container whose runtime is about to be torn down.
func (e *Engine) CancelAllForContainer(ctx context.Context, idOrAlias string) error {
	c, err := e.containers.Resolve(idOrAlias)
	if err != nil {
		return err
	}
	running, err := e.store.ListRunningExecsByContainer(c.ID)
	if err != nil {
		return fmt.Errorf("listing running execs: %w", err)
	}
	for _, rec := range running {
		if _, err := e.Cancel(rec.ExecID); err != nil {
			e.logger.Warn("cancelling exec during container kill failed", "exec_id", rec.ExecID, "error", err)
		}
	}
	return nil
}

// PollResult is the cursor-poll response shape (§4.4's poll contract).
type PollResult struct {
	Frames     []Frame
	Complete   bool
	GapFromSeq int64
}

// Poll returns frames after afterSeq for a live (in-memory) execution.
// Polling an execution whose ring buffer is gone — because the process
// restarted — is not_found: buffers are never reconstructed (§9).
func (e *Engine) Poll(execID string, afterSeq int64) (*PollResult, error) {
	buf := e.bufferFor(execID)
	if buf == nil {
		rec, err := e.store.GetExec(execID)
		if err != nil {
			return nil, fmt.Errorf("looking up exec: %w", err)
		}
		if rec == nil {
			return nil, fmt.Errorf("%w: %s", taxonomy.ErrNotFound, execID)
		}
		return nil, fmt.Errorf("%w: ring buffer not retained for %s", taxonomy.ErrNotFound, execID)
	}
	frames, complete, gap := buf.poll(afterSeq, e.pollResponseCapBytes)
	return &PollResult{Frames: frames, Complete: complete, GapFromSeq: gap}, nil
}
