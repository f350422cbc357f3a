package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/openinspect/openinspect/internal/common/config"
	"github.com/openinspect/openinspect/internal/common/logger"
)

const workspaceDir = "/workspace"

// BuildCompleteMarker is created under the workspace by the in-sandbox
// supervisor once build setup finishes. The build sandbox keeps running
// after that so its filesystem can still be inspected and snapshotted;
// Wait polls for the marker instead of container exit.
const BuildCompleteMarker = ".openinspect-build-complete"

const buildPollInterval = 2 * time.Second

// DockerProvider implements Provider on top of the Docker Engine API.
// Containers are sandboxes; ContainerCommit is the filesystem snapshot.
type DockerProvider struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
	now    func() time.Time
}

// NewDockerProvider creates a Docker-backed sandbox provider.
func NewDockerProvider(cfg config.DockerConfig, log *logger.Logger) (*DockerProvider, error) {
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

	log.Info("Docker sandbox provider created",
		zap.String("host", cfg.Host),
		zap.String("sandbox_image", cfg.SandboxImage))

	return &DockerProvider{
		cli:    cli,
		logger: log,
		config: cfg,
		now:    time.Now,
	}, nil
}

// Close closes the Docker client.
func (p *DockerProvider) Close() error {
	return p.cli.Close()
}

// Ping checks Docker daemon availability.
func (p *DockerProvider) Ping(ctx context.Context) error {
	if _, err := p.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// CreateSessionSandbox creates and starts a sandbox for an agent session.
func (p *DockerProvider) CreateSessionSandbox(ctx context.Context, cfg SessionConfig) (Handle, error) {
	env := ComposeSessionEnv(cfg)
	return p.createSandbox(ctx, cfg.SandboxID, p.config.SandboxImage, env, cfg.Timeout())
}

// CreateBuildSandbox creates and starts a build sandbox. The sandbox runs
// the supervisor in build mode, which writes BuildCompleteMarker after
// setup.sh and then idles; the build worker snapshots and terminates it.
func (p *DockerProvider) CreateBuildSandbox(ctx context.Context, owner, repo, branch, cloneToken, scmProvider string) (Handle, error) {
	now := p.now()
	env, err := ComposeBuildEnv(owner, repo, branch, cloneToken, scmProvider, now)
	if err != nil {
		return nil, err
	}
	sandboxID := env["SANDBOX_ID"]
	h, err := p.createSandbox(ctx, sandboxID, p.config.SandboxImage, env, BuildSandboxTimeoutSeconds*time.Second)
	if err != nil {
		return nil, err
	}
	h.buildMarkerPath = workspaceDir + "/" + BuildCompleteMarker
	return h, nil
}

// RestoreFromSnapshot creates a sandbox from a previously committed image.
// The restored sandbox boots in snapshot_restore mode.
func (p *DockerProvider) RestoreFromSnapshot(ctx context.Context, imageID string, cfg SessionConfig) (Handle, error) {
	env := ComposeSessionEnv(cfg)
	env["RESTORED_FROM_SNAPSHOT"] = "true"
	return p.createSandbox(ctx, cfg.SandboxID, imageID, env, cfg.Timeout())
}

func (p *DockerProvider) createSandbox(ctx context.Context, sandboxID, imageRef string, env map[string]string, timeout time.Duration) (*dockerHandle, error) {
	log := p.logger.WithSandboxID(sandboxID)
	log.Info("Creating sandbox container", zap.String("image", imageRef))

	containerCfg := &container.Config{
		Image: imageRef,
		Env:   flattenEnv(env),
		Labels: map[string]string{
			"openinspect.sandbox_id": sandboxID,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.config.DefaultNetwork),
	}

	resp, err := p.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox %s: %w", sandboxID, err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start sandbox %s: %w", sandboxID, err)
	}

	log.Info("Sandbox started",
		zap.String("container_id", resp.ID),
		zap.Duration("timeout", timeout))

	return &dockerHandle{
		provider:    p,
		sandboxID:   sandboxID,
		containerID: resp.ID,
		createdAt:   p.now(),
		timeout:     timeout,
	}, nil
}

type dockerHandle struct {
	provider    *DockerProvider
	sandboxID   string
	containerID string
	createdAt   time.Time
	timeout     time.Duration
	// buildMarkerPath is set for build sandboxes only: Wait polls for this
	// file instead of waiting for container exit.
	buildMarkerPath string
}

func (h *dockerHandle) ID() string           { return h.sandboxID }
func (h *dockerHandle) ProviderID() string   { return h.containerID }
func (h *dockerHandle) CreatedAt() time.Time { return h.createdAt }

// Wait blocks until the sandbox finishes, bounded by the sandbox timeout.
// Session sandboxes finish by exiting. Build sandboxes stay running after
// setup, so completion is the supervisor's marker file; an early container
// exit means the build failed and yields its exit code.
func (h *dockerHandle) Wait(ctx context.Context) (int64, error) {
	waitCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if h.buildMarkerPath != "" {
		w := &buildWaiter{
			interval: buildPollInterval,
			inspect: func(ctx context.Context) (bool, int64, error) {
				info, err := h.provider.cli.ContainerInspect(ctx, h.containerID)
				if err != nil {
					return false, -1, fmt.Errorf("inspect sandbox %s: %w", h.sandboxID, err)
				}
				return info.State.Running, int64(info.State.ExitCode), nil
			},
			markerDone: func(ctx context.Context) (bool, error) {
				_, code, err := h.Exec(ctx, []string{"test", "-f", h.buildMarkerPath})
				if err != nil {
					return false, err
				}
				return code == 0, nil
			},
		}
		code, err := w.wait(waitCtx)
		if err == nil {
			h.provider.logger.WithSandboxID(h.sandboxID).Info("Build sandbox finished",
				zap.Int64("exit_code", code))
		}
		return code, err
	}

	statusCh, errCh := h.provider.cli.ContainerWait(waitCtx, h.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("error waiting for sandbox %s: %w", h.sandboxID, err)
	case status := <-statusCh:
		h.provider.logger.WithSandboxID(h.sandboxID).Info("Sandbox exited",
			zap.Int64("exit_code", status.StatusCode))
		return status.StatusCode, nil
	case <-waitCtx.Done():
		return -1, waitCtx.Err()
	}
}

// buildWaiter polls a build sandbox until the supervisor signals setup
// completion or the container exits. A container exit wins: it carries the
// failure exit code. Transient marker probe errors are tolerated.
type buildWaiter struct {
	interval   time.Duration
	inspect    func(ctx context.Context) (running bool, exitCode int64, err error)
	markerDone func(ctx context.Context) (bool, error)
}

func (w *buildWaiter) wait(ctx context.Context) (int64, error) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		running, exitCode, err := w.inspect(ctx)
		if err != nil {
			return -1, err
		}
		if !running {
			return exitCode, nil
		}
		if done, err := w.markerDone(ctx); err == nil && done {
			return 0, nil
		}

		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Exec runs a command inside the sandbox and returns its combined output.
func (h *dockerHandle) Exec(ctx context.Context, cmd []string) (string, int, error) {
	execResp, err := h.provider.cli.ContainerExecCreate(ctx, h.containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", -1, fmt.Errorf("exec create failed: %w", err)
	}

	attach, err := h.provider.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", -1, fmt.Errorf("exec attach failed: %w", err)
	}
	defer attach.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, attach.Reader); err != nil && err != io.EOF {
		return "", -1, fmt.Errorf("exec read failed: %w", err)
	}

	inspect, err := h.provider.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return out.String(), -1, fmt.Errorf("exec inspect failed: %w", err)
	}
	return out.String(), inspect.ExitCode, nil
}

// SnapshotFilesystem commits the container filesystem to a new image.
func (h *dockerHandle) SnapshotFilesystem(ctx context.Context, ref string) (string, error) {
	log := h.provider.logger.WithSandboxID(h.sandboxID)
	log.Info("Snapshotting sandbox filesystem", zap.String("ref", ref))

	resp, err := h.provider.cli.ContainerCommit(ctx, h.containerID, container.CommitOptions{
		Reference: ref,
		Pause:     true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to snapshot sandbox %s: %w", h.sandboxID, err)
	}

	log.Info("Sandbox filesystem snapshotted", zap.String("image_id", resp.ID))
	return resp.ID, nil
}

// Terminate stops and removes the sandbox container.
func (h *dockerHandle) Terminate(ctx context.Context) error {
	stopTimeout := 10
	if err := h.provider.cli.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		h.provider.logger.WithSandboxID(h.sandboxID).Warn("Failed to stop sandbox", zap.Error(err))
	}
	if err := h.provider.cli.ContainerRemove(ctx, h.containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("failed to remove sandbox %s: %w", h.sandboxID, err)
	}
	return nil
}

// RemoveImage deletes a snapshot image, used when cleaning up failed builds.
func (p *DockerProvider) RemoveImage(ctx context.Context, imageID string) error {
	_, err := p.cli.ImageRemove(ctx, imageID, image.RemoveOptions{PruneChildren: true})
	if err != nil {
		return fmt.Errorf("failed to remove image %s: %w", imageID, err)
	}
	return nil
}

// HeadSHACommand is the command the build worker execs to read the cloned
// repo's HEAD commit.
func HeadSHACommand(repoName string) []string {
	return []string{"git", "-C", workspaceDir + "/" + repoName, "rev-parse", "HEAD"}
}
