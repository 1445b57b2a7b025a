package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime drives the Docker Engine API.
//
// Every container it creates is hardened:
//   - ALL Linux capabilities dropped
//   - privilege escalation blocked (no-new-privileges)
//   - memory hard limit with swap disabled (OOM kill on exceed)
//   - PIDs limit against fork bombs, CPU quota
//   - tmpfs /tmp, workspace bind-mounted read-write
//   - no auto-remove, so logs survive until cleanup removes the container
type DockerRuntime struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDockerRuntime connects to the Docker daemon. An empty host uses DOCKER_HOST
// or the platform default socket. The connection is not verified here.
func NewDockerRuntime(host string, logger *slog.Logger) (*DockerRuntime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, logger: logger}, nil
}

// Ping checks daemon connectivity.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// ImagePresent reports whether image exists locally.
func (d *DockerRuntime) ImagePresent(ctx context.Context, image string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspecting image %s: %w", image, err)
}

// Create creates, but does not start, an execution container.
func (d *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        sortedEnv(spec.Env),
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
		User:       spec.User,
		Tty:        false,
	}

	host := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		AutoRemove:  false,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.HostDir,
			Target: spec.MountTarget,
		}},
		Tmpfs: map[string]string{"/tmp": "rw,nosuid,size=64m"},
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
			NanoCPUs:   spec.NanoCPUs,
		},
	}
	if spec.PIDsLimit > 0 {
		pids := spec.PIDsLimit
		host.Resources.PidsLimit = &pids
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, spec.Image)
		}
		return "", fmt.Errorf("creating container: %w", err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("docker create warning",
			slog.String("container_id", shortID(resp.ID)),
			slog.String("warning", w),
		)
	}
	return resp.ID, nil
}

// Start starts a created container.
func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return nil
}

// Wait blocks until the container is no longer running.
func (d *DockerRuntime) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return int(st.StatusCode), fmt.Errorf("waiting for container: %s", st.Error.Message)
		}
		return int(st.StatusCode), nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("waiting for container: %w", err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Kill sends SIGKILL.
func (d *DockerRuntime) Kill(ctx context.Context, id string) error {
	err := d.cli.ContainerKill(ctx, id, "KILL")
	if err == nil || errdefs.IsConflict(err) || errdefs.IsNotFound(err) {
		// Conflict: the container already stopped.
		return nil
	}
	return fmt.Errorf("killing container: %w", err)
}

// Logs demultiplexes the container's log stream into stdout and stderr.
func (d *DockerRuntime) Logs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return fmt.Errorf("fetching logs: %w", err)
	}
	defer rc.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		return fmt.Errorf("demultiplexing logs: %w", err)
	}
	return nil
}

// Inspect reports the container's exit code and OOM flag.
func (d *DockerRuntime) Inspect(ctx context.Context, id string) (ExitStatus, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ExitStatus{}, fmt.Errorf("inspecting container: %w", err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return ExitStatus{}, fmt.Errorf("inspecting container: no state reported")
	}
	return ExitStatus{ExitCode: info.State.ExitCode, OOMKilled: info.State.OOMKilled}, nil
}

// Remove force-removes the container and its anonymous volumes.
func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("removing container: %w", err)
}

// ListManaged lists every container labelled as runbox-managed, running or not.
func (d *DockerRuntime) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	out := make([]ManagedContainer, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ManagedContainer{
			ID:          c.ID,
			Name:        name,
			ExecutionID: c.Labels[LabelExecutionID],
			State:       c.State,
			Created:     time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

// Close releases the client's transport.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// sortedEnv renders env as KEY=VALUE pairs in key order.
func sortedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

var _ Runtime = (*DockerRuntime)(nil)
