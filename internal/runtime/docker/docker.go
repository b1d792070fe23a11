// Package docker implements runtime.Driver against a local Docker daemon.
package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"

	"github.com/devbenchd/devbenchd/internal/runtime"
	"github.com/devbenchd/devbenchd/internal/taxonomy"
)

// Driver implements runtime.Driver against a local Docker daemon.
type Driver struct {
	cli *client.Client
}

// New constructs a Driver using environment-derived connection settings
// (DOCKER_HOST et al.), negotiating the API version with the daemon.
func New() (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: docker client: %s", taxonomy.ErrRuntimeUnavailable, err)
	}
	return &Driver{cli: cli}, nil
}

func (d *Driver) Close() error { return d.cli.Close() }

func (d *Driver) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s", taxonomy.ErrRuntimeUnavailable, err)
	}
	return nil
}

func (d *Driver) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	labels := map[string]string{
		runtime.NamespaceLabel: "true",
		"container_id":         spec.ID,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	resources := dockercontainer.Resources{
		NanoCPUs:  int64(spec.CPULimit * 1e9),
		Memory:    spec.MemLimitBytes,
		PidsLimit: int64Ptr(spec.PidsLimit),
	}

	hostCfg := &dockercontainer.HostConfig{
		Resources:      resources,
		AutoRemove:     false,
		ReadonlyRootfs: spec.ReadonlyRootfs,
		Privileged:     false,
		SecurityOpt:    []string{"no-new-privileges:true"},
		CapDrop:        []string{"ALL"},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: spec.WorkspaceVolume,
				Target: spec.WorkspaceMount,
			},
			{
				Type:         mount.TypeTmpfs,
				Target:       "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{SizeBytes: 512 * units.MiB},
			},
			{
				Type:         mount.TypeTmpfs,
				Target:       "/run",
				TmpfsOptions: &mount.TmpfsOptions{SizeBytes: 16 * units.MiB},
			},
		},
	}

	switch spec.NetworkMode {
	case "none", "":
		hostCfg.NetworkMode = "none"
	default:
		hostCfg.NetworkMode = dockercontainer.NetworkMode(spec.NetworkMode)
	}

	containerCfg := &dockercontainer.Config{
		Image:  spec.Image,
		Labels: labels,
		Tty:    false,
	}
	if !spec.AsRoot {
		containerCfg.User = "1000:1000"
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "devbench-"+spec.ID)
	if err != nil {
		return "", classifyErr(err, "container create")
	}
	return resp.ID, nil
}

func (d *Driver) StartContainer(ctx context.Context, runtimeID string) error {
	if err := d.cli.ContainerStart(ctx, runtimeID, dockercontainer.StartOptions{}); err != nil {
		return classifyErr(err, "container start")
	}
	return nil
}

func (d *Driver) StopContainer(ctx context.Context, runtimeID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, runtimeID, dockercontainer.StopOptions{Timeout: &secs}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return classifyErr(err, "container stop")
	}
	return nil
}

func (d *Driver) RemoveContainer(ctx context.Context, runtimeID string, force bool) error {
	err := d.cli.ContainerRemove(ctx, runtimeID, dockercontainer.RemoveOptions{
		Force:         force,
		RemoveVolumes: false, // the Workspace Gateway owns volume lifecycle, not the adapter
	})
	if err != nil && !client.IsErrNotFound(err) {
		return classifyErr(err, "container remove")
	}
	return nil
}

func (d *Driver) InspectContainer(ctx context.Context, runtimeID string) (*runtime.ContainerInfo, error) {
	info, err := d.cli.ContainerInspect(ctx, runtimeID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", taxonomy.ErrNotFound, runtimeID)
		}
		return nil, classifyErr(err, "container inspect")
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, info.Created)
	return &runtime.ContainerInfo{
		RuntimeID: info.ID,
		Labels:    info.Config.Labels,
		Running:   info.State.Running,
		CreatedAt: createdAt,
	}, nil
}

func (d *Driver) ListByLabel(ctx context.Context, labelKey, labelValue string) ([]runtime.ContainerInfo, error) {
	f := filters.NewArgs()
	f.Add("label", labelKey+"="+labelValue)

	containers, err := d.cli.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, classifyErr(err, "container list")
	}

	out := make([]runtime.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		out = append(out, runtime.ContainerInfo{
			RuntimeID: c.ID,
			Labels:    c.Labels,
			Running:   c.State == "running",
			CreatedAt: time.Unix(c.Created, 0).UTC(),
		})
	}
	return out, nil
}

func (d *Driver) ExecCreate(ctx context.Context, runtimeID string, spec runtime.ExecSpec) (*runtime.ExecHandle, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	user := ""
	if spec.AsRoot {
		user = "0:0"
	}

	execCfg := dockercontainer.ExecOptions{
		Cmd:          spec.Argv,
		Env:          env,
		WorkingDir:   spec.Cwd,
		User:         user,
		Tty:          spec.TTY,
		AttachStdout: true,
		AttachStderr: true,
	}

	resp, err := d.cli.ContainerExecCreate(ctx, runtimeID, execCfg)
	if err != nil {
		return nil, classifyErr(err, "exec create")
	}
	return &runtime.ExecHandle{ID: resp.ID, ContainerID: runtimeID}, nil
}

func (d *Driver) ExecStart(ctx context.Context, handle *runtime.ExecHandle) (*runtime.ExecStreams, error) {
	attachResp, err := d.cli.ContainerExecAttach(ctx, handle.ID, dockercontainer.ExecAttachOptions{})
	if err != nil {
		return nil, classifyErr(err, "exec attach")
	}

	stdoutCh := make(chan runtime.OutputChunk, 16)
	stderrCh := make(chan runtime.OutputChunk, 16)
	stdoutW := &chanWriter{ch: stdoutCh}
	stderrW := &chanWriter{ch: stderrCh}

	demuxDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attachResp.Reader)
		close(stdoutCh)
		close(stderrCh)
		demuxDone <- err
	}()

	wait := func(waitCtx context.Context) (int, error) {
		defer attachResp.Close()
		select {
		case <-demuxDone:
		case <-waitCtx.Done():
			return 0, waitCtx.Err()
		}
		inspect, err := d.cli.ContainerExecInspect(waitCtx, handle.ID)
		if err != nil {
			return 0, classifyErr(err, "exec inspect")
		}
		return inspect.ExitCode, nil
	}

	signal := func(sigCtx context.Context, sig string) error {
		inspect, err := d.cli.ContainerExecInspect(sigCtx, handle.ID)
		if err != nil {
			if client.IsErrNotFound(err) {
				return nil
			}
			return classifyErr(err, "exec inspect for signal")
		}
		if !inspect.Running || inspect.Pid == 0 {
			return nil
		}
		return d.signalPID(sigCtx, handle.ContainerID, inspect.Pid, sig)
	}

	return &runtime.ExecStreams{
		Stdout: stdoutCh,
		Stderr: stderrCh,
		Wait:   wait,
		Signal: signal,
	}, nil
}

// signalPID delivers sig to pid inside runtimeID. Docker's exec API has no
// direct signal-to-exec primitive, so this runs a follow-up root exec of
// the coreutils `kill` against the target pid.
func (d *Driver) signalPID(ctx context.Context, runtimeID string, pid int, sig string) error {
	resp, err := d.cli.ContainerExecCreate(ctx, runtimeID, dockercontainer.ExecOptions{
		Cmd:          []string{"kill", "-s", sig, fmt.Sprintf("%d", pid)},
		User:         "0:0",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return classifyErr(err, "signal exec create")
	}

	attachResp, err := d.cli.ContainerExecAttach(ctx, resp.ID, dockercontainer.ExecAttachOptions{})
	if err != nil {
		return classifyErr(err, "signal exec attach")
	}
	defer attachResp.Close()
	_, _ = io.Copy(io.Discard, attachResp.Reader)

	return nil
}

func (d *Driver) CopyIn(ctx context.Context, runtimeID string, destPath string, tarStream io.Reader) error {
	err := d.cli.CopyToContainer(ctx, runtimeID, destPath, tarStream, dockercontainer.CopyToContainerOptions{})
	if err != nil {
		return classifyErr(err, "copy in")
	}
	return nil
}

func (d *Driver) CopyOut(ctx context.Context, runtimeID string, srcPath string) (io.ReadCloser, error) {
	reader, _, err := d.cli.CopyFromContainer(ctx, runtimeID, srcPath)
	if err != nil {
		return nil, classifyErr(err, "copy out")
	}
	return reader, nil
}

func (d *Driver) StatsSnapshot(ctx context.Context, runtimeID string) (*runtime.Stats, error) {
	resp, err := d.cli.ContainerStatsOneShot(ctx, runtimeID)
	if err != nil {
		return nil, classifyErr(err, "stats")
	}
	defer resp.Body.Close()

	var raw dockercontainer.StatsResponse
	if err := decodeJSON(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding stats: %s", taxonomy.ErrRuntimeError, err)
	}

	cpuNanos := int64(raw.CPUStats.CPUUsage.TotalUsage)
	memBytes := int64(raw.MemoryStats.Usage)
	return &runtime.Stats{CPUNanos: cpuNanos, MemBytes: memBytes, Timestamp: time.Now().UTC()}, nil
}

func int64Ptr(v int64) *int64 { return &v }

// classifyErr maps a raw Docker SDK error onto the taxonomy's
// runtime_unavailable/runtime_error split: connection-level failures
// (daemon down/unreachable) are unavailable; everything the daemon
// actively rejected is a runtime_error.
func classifyErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%w: %s: %s", taxonomy.ErrRuntimeUnavailable, op, err)
	}
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%w: %s: %s", taxonomy.ErrNotFound, op, err)
	}
	return fmt.Errorf("%w: %s: %s", taxonomy.ErrRuntimeError, op, err)
}
