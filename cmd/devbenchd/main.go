package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devbenchd/devbenchd/internal/api"
	"github.com/devbenchd/devbenchd/internal/audit"
	"github.com/devbenchd/devbenchd/internal/config"
	"github.com/devbenchd/devbenchd/internal/container"
	"github.com/devbenchd/devbenchd/internal/dispatch"
	"github.com/devbenchd/devbenchd/internal/exec"
	"github.com/devbenchd/devbenchd/internal/metrics"
	"github.com/devbenchd/devbenchd/internal/policy"
	"github.com/devbenchd/devbenchd/internal/pool"
	"github.com/devbenchd/devbenchd/internal/reconcile"
	"github.com/devbenchd/devbenchd/internal/runtime/docker"
	"github.com/devbenchd/devbenchd/internal/store"
	"github.com/devbenchd/devbenchd/internal/workspace"
)

func main() {
	cfgPath := flag.String("config", "", "path to devbenchd.yaml")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	if cfg.APIKey == "" {
		logger.Warn("no API key configured — running in open access mode")
	}

	st, err := store.New(cfg.StateDBPath)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	driver, err := docker.New()
	if err != nil {
		logger.Error("docker client", "error", err)
		os.Exit(1)
	}
	defer driver.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := driver.Ping(ctx); err != nil {
		logger.Error("docker ping failed — is the runtime adapter's daemon running?", "error", err)
		os.Exit(1)
	}
	logger.Info("runtime adapter connected")

	// The Workspace Gateway's volume lifecycle needs its own docker client
	// handle; runtime.Driver doesn't expose its underlying *client.Client.
	volumeCli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		logger.Error("docker client for volume manager", "error", err)
		os.Exit(1)
	}
	defer volumeCli.Close()
	volumes := workspace.NewVolumeManager(volumeCli)

	images := policy.NewImageValidator(cfg.AllowedRegistries, cfg.AllowedImages)

	defaults := container.Defaults{
		CPULimit:       cfg.Defaults.CPULimit,
		MemLimitMB:     cfg.Defaults.MemLimitMB,
		PidsLimit:      cfg.Defaults.PidsLimit,
		NetworkMode:    cfg.Defaults.NetworkMode,
		ReadonlyRootfs: cfg.Defaults.ReadonlyRootfs,
	}

	containers := container.NewManager(driver, st, images, defaults, volumes, 0, cfg.WorkspaceMountPath, logger)
	execs := exec.NewEngine(driver, st, containers, cfg.ConcurrentExecsPerContainer, cfg.ExecOutputBudgetBytes, cfg.ExecPollResponseCapBytes, cfg.DefaultExecTimeoutSeconds, logger)
	ws := workspace.NewGateway(driver, containers)
	m := metrics.New()
	auditLogger := audit.New(logger)

	var warmPool *pool.Pool
	if cfg.Pool.Enabled && cfg.Pool.Size > 0 {
		warmPool = pool.New(driver, st, images, pool.Config{
			Image:          cfg.DefaultImage,
			Size:           cfg.Pool.Size,
			MountPath:      cfg.WorkspaceMountPath,
			CPULimit:       cfg.Defaults.CPULimit,
			MemLimitMB:     cfg.Defaults.MemLimitMB,
			PidsLimit:      cfg.Defaults.PidsLimit,
			NetworkMode:    cfg.Defaults.NetworkMode,
			ReadonlyRootfs: cfg.Defaults.ReadonlyRootfs,
		}, logger)
	}

	boot := reconcile.NewBoot(driver, st, cfg.TransientGCDays, logger)
	stats := boot.Run(ctx)
	logger.Info("boot reconciliation complete", "adopted", stats.Adopted, "stopped", stats.Stopped, "stale_execs", stats.StaleExecs, "errors", stats.Errors)

	maintenance := reconcile.NewMaintenance(driver, st, volumes, cfg.TransientGCDays, logger)
	go maintenance.Run(ctx)

	if warmPool != nil {
		go warmPool.Run(ctx)
	}

	dispatcher := dispatch.NewServer(containers, execs, ws, warmPool, maintenance, st, auditLogger, m, cfg.TransientGCDays, logger)
	srv := api.NewServer(dispatcher, cfg.APIKey, logger)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // tar export/import can be long
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown: on SIGTERM/SIGINT, cancel the root context
	// (stopping the maintenance and warm-pool loops), stop accepting new
	// requests and give in-flight HTTP requests up to DrainGraceSeconds
	// to finish, then let the deferred Close calls above release the
	// runtime and store handles. Running execs are neither waited for nor
	// cancelled here, and no container is stopped or removed: transient
	// and persistent containers alike are left running in the runtime.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-sigCh
		logger.Info("shutdown signal received, draining in-flight work...")
		cancel()

		drain := time.Duration(cfg.DrainGraceSeconds) * time.Second
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drain)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown did not complete within the drain window", "error", err)
		}
	}()

	logger.Info("listening", "addr", cfg.Listen)
	fmt.Fprintf(os.Stderr, "\n  devbenchd ready at http://%s\n\n", cfg.Listen)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	<-shutdownDone
}
