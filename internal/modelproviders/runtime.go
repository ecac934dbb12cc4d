package modelproviders

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/common/config"
	"github.com/storyforge/storyforge/internal/common/logger"
)

// providerLabel marks containers owned by the provider runtime; the value is
// the provider kind.
const providerLabel = "storyforge.provider"

// Runtime manages the lifecycle of local provider backends.
type Runtime interface {
	// EnsureStarted makes the provider's backend reachable, creating and
	// starting its container when necessary.
	EnsureStarted(ctx context.Context, p Provider) error
	// Stop stops the provider's backend within the timeout.
	Stop(ctx context.Context, kind string, timeout time.Duration) error
	// Status reports the backend container state ("running", "exited", or
	// "absent").
	Status(ctx context.Context, kind string) (string, error)
}

// DockerRuntime runs provider backends as labeled containers. Containers use
// host networking so the provider listens on its configured port directly.
type DockerRuntime struct {
	cli    *client.Client
	logger *logger.Logger
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime creates a runtime over the configured Docker daemon.
func NewDockerRuntime(cfg config.DockerConfig, log *logger.Logger) (*DockerRuntime, error) {
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

	log.Info("docker provider runtime ready",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion))

	return &DockerRuntime{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "provider-runtime")),
	}, nil
}

// Close releases the Docker client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// Ping verifies the Docker daemon is reachable.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

func (r *DockerRuntime) EnsureStarted(ctx context.Context, p Provider) error {
	if p.Backend != BackendDocker {
		return nil
	}

	existing, err := r.find(ctx, p.Kind)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.State == "running" {
			r.logger.Debug("provider backend already running",
				zap.String("kind", p.Kind), zap.String("container_id", existing.ID))
			return nil
		}
		if err := r.cli.ContainerStart(ctx, existing.ID, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start provider %s: %w", p.Kind, err)
		}
		r.logger.Info("provider backend restarted",
			zap.String("kind", p.Kind), zap.String("container_id", existing.ID))
		return nil
	}

	if err := r.pull(ctx, p.ImageRef()); err != nil {
		return err
	}

	containerCfg := &container.Config{
		Image: p.ImageRef(),
		Cmd:   p.Docker.Args,
		Labels: map[string]string{
			providerLabel: p.Kind,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "host",
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "storyforge-provider-"+p.Kind)
	if err != nil {
		return fmt.Errorf("failed to create provider %s: %w", p.Kind, err)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start provider %s: %w", p.Kind, err)
	}

	r.logger.Info("provider backend started",
		zap.String("kind", p.Kind),
		zap.String("image", p.ImageRef()),
		zap.String("container_id", resp.ID))
	return nil
}

func (r *DockerRuntime) Stop(ctx context.Context, kind string, timeout time.Duration) error {
	existing, err := r.find(ctx, kind)
	if err != nil {
		return err
	}
	if existing == nil || existing.State != "running" {
		return nil
	}

	timeoutSeconds := int(timeout.Seconds())
	if err := r.cli.ContainerStop(ctx, existing.ID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return fmt.Errorf("failed to stop provider %s: %w", kind, err)
	}
	r.logger.Info("provider backend stopped",
		zap.String("kind", kind), zap.String("container_id", existing.ID))
	return nil
}

func (r *DockerRuntime) Status(ctx context.Context, kind string) (string, error) {
	existing, err := r.find(ctx, kind)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return "absent", nil
	}
	return existing.State, nil
}

// find locates the labeled container for a kind, running or not.
func (r *DockerRuntime) find(ctx context.Context, kind string) (*container.Summary, error) {
	args := filters.NewArgs(filters.Arg("label", providerLabel+"="+kind))
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list provider containers: %w", err)
	}
	if len(containers) == 0 {
		return nil, nil
	}
	return &containers[0], nil
}

func (r *DockerRuntime) pull(ctx context.Context, ref string) error {
	r.logger.Info("pulling provider image", zap.String("image", ref))
	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// Drain the progress stream so the pull completes.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}
