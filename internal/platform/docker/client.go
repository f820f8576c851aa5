package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/google/uuid"
)

// Container names are namePrefix followed by a random UUID.
const namePrefix = "correction-"

// Options tunes the runtime. Zero values fall back to the defaults below.
type Options struct {
	// ConnectTimeout bounds every short engine call (create, start, inspect, logs, remove).
	ConnectTimeout time.Duration
	// PullTimeout bounds an image pull.
	PullTimeout time.Duration
	// MaxRuntime bounds a synchronous Run.
	MaxRuntime time.Duration
	// MaxResponseSize caps each output channel (stdout, stderr) in bytes.
	MaxResponseSize int64
	// MemoryLimit is the container memory limit in bytes.
	MemoryLimit int64
	// Credentials maps registry hosts to pull credentials.
	Credentials Credentials
}

const (
	defaultConnectTimeout  = 5 * time.Second
	defaultPullTimeout     = 5 * time.Minute
	defaultMaxRuntime      = 10 * time.Minute
	defaultMaxResponseSize = 1 << 20
	defaultMemoryLimit     = 512 * 1024 * 1024
)

// Client wraps the official Docker SDK client.
type Client struct {
	cli  *client.Client
	opts Options
}

// Check if Client implements domain.ContainerRuntime
var _ domain.ContainerRuntime = (*Client)(nil)

// NewClient initializes a Docker client from the standard environment (DOCKER_HOST, ...)
// and verifies the daemon answers before returning.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = defaultPullTimeout
	}
	if opts.MaxRuntime <= 0 {
		opts.MaxRuntime = defaultMaxRuntime
	}
	if opts.MaxResponseSize <= 0 {
		opts.MaxResponseSize = defaultMaxResponseSize
	}
	if opts.MemoryLimit <= 0 {
		opts.MemoryLimit = defaultMemoryLimit
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	slog.Info("Docker client initialized", "host", cli.DaemonHost(), "apiVersion", cli.ClientVersion())
	return &Client{cli: cli, opts: opts}, nil
}

// Close releases the engine connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// withTimeout runs fn under the given timeout and reports an expired deadline
// as a ConnectionTimeoutError, unless the parent context was cancelled.
func withTimeout(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &domain.ConnectionTimeoutError{Op: op, Timeout: timeout}
	}
	return err
}

// EnsurePulled checks for the image locally and pulls it when missing.
func (c *Client) EnsurePulled(ctx context.Context, ref string) error {
	err := withTimeout(ctx, c.opts.ConnectTimeout, "inspect image", func(ctx context.Context) error {
		_, _, err := c.cli.ImageInspectWithRaw(ctx, ref)
		return err
	})
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	pullOpts := image.PullOptions{}
	if host, auth, ok := c.opts.Credentials.Lookup(ref); ok {
		encoded, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      auth.Username,
			Password:      auth.Password,
			ServerAddress: host,
		})
		if err != nil {
			return fmt.Errorf("failed to encode credentials for %s: %w", host, err)
		}
		pullOpts.RegistryAuth = encoded
	}

	slog.Info("Pulling image", "image", ref)
	return withTimeout(ctx, c.opts.PullTimeout, "pull image", func(ctx context.Context) error {
		reader, err := c.cli.ImagePull(ctx, ref, pullOpts)
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", ref, err)
		}
		defer reader.Close()
		// Drain the response body to ensure the pull completes properly.
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return fmt.Errorf("failed to pull image %s: %w", ref, err)
		}
		return nil
	})
}

// Create creates a correction container with the exercise file mounted read-only.
func (c *Client) Create(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	labels := map[string]string{domain.LabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	hostConfig := &container.HostConfig{
		// Configures a hard memory limit via Cgroups to prevent resource exhaustion.
		Resources: container.Resources{
			Memory: c.opts.MemoryLimit,
		},
	}
	if spec.File != "" {
		hostConfig.Binds = []string{BindMount(spec.File)}
	}

	var id string
	err := withTimeout(ctx, c.opts.ConnectTimeout, "create container", func(ctx context.Context) error {
		resp, err := c.cli.ContainerCreate(ctx, &container.Config{
			Image:        spec.Image,
			Env:          spec.Env,
			Labels:       labels,
			AttachStdout: true,
			AttachStderr: true,
			Tty:          false,
		}, hostConfig, nil, nil, namePrefix+uuid.NewString())
		if err != nil {
			return err
		}
		id = resp.ID
		return nil
	})
	if err != nil {
		var timeoutErr *domain.ConnectionTimeoutError
		if errors.As(err, &timeoutErr) {
			return "", err
		}
		return "", &domain.ContainerCreationError{Image: spec.Image, Err: err}
	}

	slog.Debug("Container created", "containerID", id, "image", spec.Image)
	return id, nil
}

// Start starts a created container.
func (c *Client) Start(ctx context.Context, containerID string) error {
	err := withTimeout(ctx, c.opts.ConnectTimeout, "start container", func(ctx context.Context) error {
		return c.cli.ContainerStart(ctx, containerID, container.StartOptions{})
	})
	if err != nil {
		return &domain.ContainerStartError{ContainerID: containerID, Err: err}
	}
	return nil
}

// Inspect returns the container state.
func (c *Client) Inspect(ctx context.Context, containerID string) (domain.ContainerState, error) {
	var state domain.ContainerState
	err := withTimeout(ctx, c.opts.ConnectTimeout, "inspect container", func(ctx context.Context) error {
		resp, err := c.cli.ContainerInspect(ctx, containerID)
		if err != nil {
			return err
		}
		state.ID = resp.ID
		if resp.State != nil {
			state.Status = string(resp.State.Status)
			state.ExitCode = resp.State.ExitCode
			state.StartedAt, _ = time.Parse(time.RFC3339Nano, resp.State.StartedAt)
		}
		return nil
	})
	if err != nil {
		return state, notFound(containerID, err)
	}
	return state, nil
}

// AwaitExit waits for the container to stop, killing it once maxRuntime elapses.
func (c *Client) AwaitExit(ctx context.Context, containerID string, maxRuntime time.Duration) (domain.ExitStatus, error) {
	waitCtx, cancel := context.WithTimeout(ctx, maxRuntime)
	defer cancel()

	statusCh, errCh := c.cli.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)

	select {
	case status := <-statusCh:
		if status.Error != nil {
			return domain.ExitStatus{ExitCode: int(status.StatusCode)}, fmt.Errorf("wait on container %s: %s", containerID, status.Error.Message)
		}
		return domain.ExitStatus{ExitCode: int(status.StatusCode)}, nil
	case err := <-errCh:
		if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			slog.Warn("Container timed out, killing it", "containerID", containerID, "maxRuntime", maxRuntime)
			if killErr := c.Kill(ctx, containerID); killErr != nil {
				slog.Error("Failed to kill timed out container", "containerID", containerID, "error", killErr)
			}
			return domain.ExitStatus{ExitCode: -1}, &domain.ContainerTimeoutError{ContainerID: containerID, MaxRuntime: maxRuntime}
		}
		return domain.ExitStatus{ExitCode: -1}, notFound(containerID, err)
	}
}

// CaptureLogs reads the container's multiplexed output, bounded per channel.
func (c *Client) CaptureLogs(ctx context.Context, containerID string) (string, error) {
	var output string
	err := withTimeout(ctx, c.opts.ConnectTimeout, "read container logs", func(ctx context.Context) error {
		reader, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
		})
		if err != nil {
			return err
		}
		defer reader.Close()

		output, err = CaptureOutput(reader, c.opts.MaxResponseSize)
		return err
	})
	if err != nil {
		return "", notFound(containerID, err)
	}
	return output, nil
}

// Kill sends SIGKILL to the container.
func (c *Client) Kill(ctx context.Context, containerID string) error {
	err := withTimeout(ctx, c.opts.ConnectTimeout, "kill container", func(ctx context.Context) error {
		return c.cli.ContainerKill(ctx, containerID, "SIGKILL")
	})
	return notFound(containerID, err)
}

// Remove force-removes the container. A container that is already gone is not an error.
func (c *Client) Remove(ctx context.Context, containerID string) error {
	err := withTimeout(ctx, c.opts.ConnectTimeout, "remove container", func(ctx context.Context) error {
		return c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}

// Output is the result of a synchronous Run.
type Output struct {
	ContainerID string
	ExitCode    int
	Logs        string
}

// Run executes a correction container to completion: create, start, wait
// (bounded by MaxRuntime), capture the logs and remove it.
func (c *Client) Run(ctx context.Context, spec domain.ContainerSpec) (Output, error) {
	id, err := c.Create(ctx, spec)
	if err != nil {
		return Output{}, err
	}
	out := Output{ContainerID: id}
	defer func() {
		if err := c.Remove(context.Background(), id); err != nil {
			slog.Warn("Failed to remove container", "containerID", id, "error", err)
		}
	}()

	if err := c.Start(ctx, id); err != nil {
		return out, err
	}

	status, err := c.AwaitExit(ctx, id, c.opts.MaxRuntime)
	if err != nil {
		return out, err
	}
	out.ExitCode = status.ExitCode

	logs, err := c.CaptureLogs(ctx, id)
	if err != nil {
		return out, err
	}
	out.Logs = logs
	return out, nil
}

func notFound(containerID string, err error) error {
	if err != nil && client.IsErrNotFound(err) {
		return fmt.Errorf("%w: %s", domain.ErrContainerNotFound, containerID)
	}
	return err
}

// BindMount returns the read-only bind of a host file at the fixed exercise path.
func BindMount(hostPath string) string {
	return hostPath + ":" + domain.ExerciseMountPath + ":ro"
}
