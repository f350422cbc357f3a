// Package supervisor boots a sandbox: it selects a boot mode from the
// environment, syncs the repository, runs lifecycle hooks, and starts the
// coding agent and its control-plane bridge.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/openinspect/openinspect/internal/common/logger"
	"github.com/openinspect/openinspect/internal/sandbox/bridge"
	"github.com/openinspect/openinspect/internal/sandbox/provider"
	"github.com/openinspect/openinspect/pkg/opencode"
)

const (
	agentBaseURL       = "http://127.0.0.1:4096"
	agentHealthTimeout = 20 * time.Second
)

// Supervisor owns the in-sandbox boot pipeline.
type Supervisor struct {
	env    Env
	mode   BootMode
	logger *logger.Logger
	git    *gitSyncer
	hooks  *hookRunner

	httpClient *http.Client

	// Overridable for tests.
	startAgent func(ctx context.Context) (<-chan error, error)
	runBridge  func(ctx context.Context) error
}

// New builds a Supervisor from the sandbox environment.
func New(env Env, log *logger.Logger) *Supervisor {
	mode := env.SelectBootMode()
	s := &Supervisor{
		env:        env,
		mode:       mode,
		logger:     log.WithSandboxID(env.SandboxID).WithFields(zap.String("boot_mode", string(mode))),
		git:        newGitSyncer(env, log),
		hooks:      newHookRunner(env, mode, log),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	s.startAgent = s.startAgentProcess
	s.runBridge = s.runAgentBridge
	return s
}

// Mode returns the selected boot mode.
func (s *Supervisor) Mode() BootMode {
	return s.mode
}

// Run executes the boot pipeline for the selected mode and then monitors
// until ctx is cancelled. The error is nil on a clean shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("sandbox supervisor starting")

	if s.mode == ModeRepoImage && s.env.RepoImageSHA == "" {
		return s.fatal(ctx, "repo_image boot requires REPO_IMAGE_SHA")
	}

	if err := s.syncRepo(ctx); err != nil {
		return s.fatal(ctx, fmt.Sprintf("git sync failed: %v", err))
	}

	if s.runsSetupHook() {
		if ok := s.hooks.RunSetup(ctx); !ok && s.mode != ModeNormal {
			return s.fatal(ctx, "setup.sh failed")
		}
	}

	if s.mode == ModeBuild {
		// The build worker polls for the completion marker, snapshots the
		// still-running filesystem, then terminates this sandbox.
		if err := s.markBuildComplete(); err != nil {
			return s.fatal(ctx, fmt.Sprintf("failed to write build completion marker: %v", err))
		}
		s.logger.Info("build setup complete, waiting for snapshot and termination")
		<-ctx.Done()
		return nil
	}

	if ok := s.hooks.RunStart(ctx); !ok && s.mode != ModeNormal {
		return s.fatal(ctx, "start.sh failed")
	}

	agentExit, err := s.startAgent(ctx)
	if err != nil {
		return s.fatal(ctx, fmt.Sprintf("agent start failed: %v", err))
	}

	bridgeDone := make(chan error, 1)
	go func() { bridgeDone <- s.runBridge(ctx) }()

	select {
	case exitErr := <-agentExit:
		if ctx.Err() != nil {
			// Shutdown kills the agent; that exit is expected.
			s.logger.Info("sandbox supervisor exiting")
			return nil
		}
		return s.fatal(ctx, fmt.Sprintf("agent process exited unexpectedly: %v", exitErr))
	case err := <-bridgeDone:
		if err != nil && ctx.Err() == nil {
			s.logger.Error("bridge terminated", zap.Error(err))
			return err
		}
		s.logger.Info("sandbox supervisor exiting")
		return nil
	}
}

// markBuildComplete signals the build worker that setup finished.
func (s *Supervisor) markBuildComplete() error {
	path := filepath.Join(s.env.WorkspaceDir, provider.BuildCompleteMarker)
	return os.WriteFile(path, nil, 0o644)
}

// syncRepo performs the per-mode git phase.
func (s *Supervisor) syncRepo(ctx context.Context) error {
	switch s.mode {
	case ModeNormal:
		return s.git.FullClone(ctx, cloneDepthNormal)
	case ModeBuild:
		return s.git.FullClone(ctx, cloneDepthBuild)
	case ModeRepoImage:
		return s.git.IncrementalSync(ctx)
	case ModeSnapshotRestore:
		s.git.QuickFetch(ctx)
		return nil
	}
	return fmt.Errorf("unknown boot mode %q", s.mode)
}

func (s *Supervisor) runsSetupHook() bool {
	return s.mode == ModeNormal || s.mode == ModeBuild
}

// startAgentProcess launches the OpenCode server, waits for health, and
// returns a channel that fires when the process exits. The supervisor is
// PID 1 in the sandbox, so the child must always be reaped.
func (s *Supervisor) startAgentProcess(ctx context.Context) (<-chan error, error) {
	cmd := exec.CommandContext(ctx, "opencode", "serve", "--hostname", "127.0.0.1", "--port", "4096")
	cmd.Dir = s.env.RepoPath()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn opencode server: %w", err)
	}
	s.logger.Info("agent server started", zap.Int("pid", cmd.Process.Pid))

	exit := make(chan error, 1)
	go func() { exit <- cmd.Wait() }()

	client := opencode.NewClient(agentBaseURL, s.logger)
	if err := client.WaitForHealth(ctx, agentHealthTimeout); err != nil {
		return nil, err
	}
	return exit, nil
}

// runAgentBridge runs the control-plane bridge until shutdown.
func (s *Supervisor) runAgentBridge(ctx context.Context) error {
	agent := opencode.NewClient(agentBaseURL, s.logger)
	b := bridge.New(bridge.Config{
		SandboxID:       s.env.SandboxID,
		SessionID:       s.env.SessionID,
		ControlPlaneURL: s.env.ControlPlaneURL,
		AuthToken:       s.env.AuthToken,
	}, agent, s.logger)
	return b.Run(ctx)
}

// fatal reports a fatal boot error to the control plane and returns it.
// The agent and bridge are never started after a fatal error.
func (s *Supervisor) fatal(ctx context.Context, reason string) error {
	s.logger.Error("fatal boot error", zap.String("reason", reason))
	s.reportFatalError(ctx, reason)
	return fmt.Errorf("fatal boot error: %s", reason)
}

// reportFatalError posts the failure to the control plane, best-effort.
func (s *Supervisor) reportFatalError(ctx context.Context, reason string) {
	if s.env.ControlPlaneURL == "" {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"sandboxId": s.env.SandboxID,
		"error":     reason,
	})
	if err != nil {
		return
	}

	url := s.env.ControlPlaneURL + "/sandboxes/" + s.env.SandboxID + "/fatal-error"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.env.AuthToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("failed to report fatal error", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Warn("fatal error report rejected", zap.Int("status", resp.StatusCode))
	}
}
