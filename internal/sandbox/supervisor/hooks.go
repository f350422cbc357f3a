package supervisor

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/openinspect/openinspect/internal/common/logger"
)

// Hook timeout defaults and their override env vars.
const (
	setupHookDefaultTimeout = 300 * time.Second
	startHookDefaultTimeout = 120 * time.Second

	setupTimeoutEnvVar = "SETUP_TIMEOUT_SECONDS"
	startTimeoutEnvVar = "START_TIMEOUT_SECONDS"

	hookDir = ".openinspect"
)

// hookRunner executes repo-provided lifecycle scripts.
type hookRunner struct {
	env    Env
	mode   BootMode
	logger *logger.Logger
	getenv func(string) string
}

func newHookRunner(env Env, mode BootMode, log *logger.Logger) *hookRunner {
	return &hookRunner{env: env, mode: mode, logger: log, getenv: os.Getenv}
}

// hookTimeout resolves a hook's timeout from its env var. Non-integer
// values fall back to the default.
func (h *hookRunner) hookTimeout(envVar string, def time.Duration) time.Duration {
	raw := h.getenv(envVar)
	if raw == "" {
		return def
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		h.logger.Warn("invalid hook timeout, using default",
			zap.String("var", envVar),
			zap.String("value", raw))
		return def
	}
	return time.Duration(secs) * time.Second
}

// RunSetup runs {repo}/.openinspect/setup.sh.
func (h *hookRunner) RunSetup(ctx context.Context) bool {
	return h.run(ctx, "setup.sh", h.hookTimeout(setupTimeoutEnvVar, setupHookDefaultTimeout))
}

// RunStart runs {repo}/.openinspect/start.sh.
func (h *hookRunner) RunStart(ctx context.Context) bool {
	return h.run(ctx, "start.sh", h.hookTimeout(startTimeoutEnvVar, startHookDefaultTimeout))
}

// run executes one hook script with bash, cwd at the repo root, inheriting
// the process environment plus OPENINSPECT_BOOT_MODE. A missing repo or
// script is success. Timeout kills the child and counts as failure, as
// does any non-zero exit.
func (h *hookRunner) run(ctx context.Context, name string, timeout time.Duration) bool {
	repoPath := h.env.RepoPath()
	if _, err := os.Stat(repoPath); err != nil {
		h.logger.Debug("no repo checkout, skipping hook", zap.String("hook", name))
		return true
	}
	script := repoPath + "/" + hookDir + "/" + name
	if _, err := os.Stat(script); err != nil {
		h.logger.Debug("hook script absent, skipping", zap.String("hook", name))
		return true
	}

	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(hookCtx, "bash", script)
	cmd.Dir = repoPath
	cmd.Env = append(os.Environ(), "OPENINSPECT_BOOT_MODE="+string(h.mode))

	h.logger.Info("running hook",
		zap.String("hook", name),
		zap.Duration("timeout", timeout))

	start := time.Now()
	out, err := cmd.CombinedOutput()
	if err != nil {
		if hookCtx.Err() == context.DeadlineExceeded {
			h.logger.Error("hook timed out",
				zap.String("hook", name),
				zap.Duration("timeout", timeout))
			return false
		}
		h.logger.Error("hook failed",
			zap.String("hook", name),
			zap.String("output", string(out)),
			zap.Error(err))
		return false
	}

	h.logger.Info("hook completed",
		zap.String("hook", name),
		zap.Duration("elapsed", time.Since(start)))
	return true
}
