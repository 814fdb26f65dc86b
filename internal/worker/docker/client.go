// Package docker wraps the Docker SDK with the container operations the
// worker lifecycle manager needs: interactive containers with attached
// stdin/stdout, wait, kill, and orphan listing.
package docker

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warrenhq/warren/internal/common/config"
	"github.com/warrenhq/warren/internal/common/logger"
)

// ManagedLabel marks containers owned by this host.
const ManagedLabel = "warren.managed"

// ContainerConfig holds configuration for creating a worker container.
type ContainerConfig struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []MountConfig
	NetworkMode string
	Memory      int64 // bytes
	CPUQuota    int64
	Labels      map[string]string
}

// MountConfig holds one bind mount.
type MountConfig struct {
	Source   string // host path
	Target   string // container path
	ReadOnly bool
}

// ContainerInfo holds inspection state for a container.
type ContainerInfo struct {
	ID       string
	Name     string
	State    string // created, running, exited, dead, ...
	ExitCode int
}

// AttachResult holds the streams for container I/O. Stdout is the
// multiplexed stdout+stderr stream; demultiplex it with stdcopy.
type AttachResult struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Conn   net.Conn
}

// Close closes the attached streams.
func (a *AttachResult) Close() error {
	if a.Stdin != nil {
		a.Stdin.Close()
	}
	if a.Conn != nil {
		a.Conn.Close()
	}
	return nil
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a new Docker client.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion))

	return &Client{cli: cli, logger: log, config: cfg}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// PullImage pulls the worker image.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	c.logger.Info("Pulling image", zap.String("image", imageName))

	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	// Drain the progress stream so the pull completes.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// CreateContainerInteractive creates a worker container with stdin attached.
// No TTY: the payload and result streams are line-oriented JSON.
func (c *Client) CreateContainerInteractive(ctx context.Context, cfg ContainerConfig) (string, error) {
	c.logger.Info("Creating worker container",
		zap.String("name", cfg.Name),
		zap.String("image", cfg.Image))

	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		Labels:       cfg.Labels,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
		AutoRemove:  false, // cleanup is ours
		Resources: container.Resources{
			Memory:   cfg.Memory,
			CPUQuota: cfg.CPUQuota,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// AttachContainer attaches to a container's stdin and output streams.
func (c *Client) AttachContainer(ctx context.Context, containerID string) (*AttachResult, error) {
	resp, err := c.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container %s: %w", containerID, err)
	}

	stdinReader, stdinWriter := io.Pipe()
	go func() {
		io.Copy(resp.Conn, stdinReader)
		resp.CloseWrite()
	}()

	return &AttachResult{
		Stdin:  stdinWriter,
		Stdout: resp.Reader,
		Conn:   resp.Conn,
	}, nil
}

// WaitContainer blocks until the container stops and returns its exit code.
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("error waiting for container %s: %w", containerID, err)
		}
		return -1, nil
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// KillContainer sends a signal to a container.
func (c *Client) KillContainer(ctx context.Context, containerID, signal string) error {
	if err := c.cli.ContainerKill(ctx, containerID, signal); err != nil {
		return fmt.Errorf("failed to kill container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// ListManaged lists containers carrying the warren managed label.
func (c *Client) ListManaged(ctx context.Context) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", ManagedLabel+"=true")

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, ContainerInfo{
			ID:    ctr.ID,
			Name:  name,
			State: ctr.State,
		})
	}
	return infos, nil
}

// GetContainerInfo inspects a container.
func (c *Client) GetContainerInfo(ctx context.Context, containerID string) (*ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	return &ContainerInfo{
		ID:       inspect.ID,
		Name:     inspect.Name,
		State:    inspect.State.Status,
		ExitCode: inspect.State.ExitCode,
	}, nil
}

// StopContainer stops a container with a grace period before the kill.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{
		Timeout: &timeoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// ReapManaged force-removes every container carrying the managed label.
// Used at host startup to clear workers orphaned by a previous crash.
// Returns how many containers were found.
func (c *Client) ReapManaged(ctx context.Context) (int, error) {
	infos, err := c.ListManaged(ctx)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, info := range infos {
		info := info
		g.Go(func() error {
			c.logger.Warn("Removing orphaned worker container",
				zap.String("container_id", info.ID),
				zap.String("name", info.Name))
			return c.RemoveContainer(gctx, info.ID, true)
		})
	}
	return len(infos), g.Wait()
}
