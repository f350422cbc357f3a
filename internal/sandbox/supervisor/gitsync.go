package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/openinspect/openinspect/internal/common/logger"
)

// Clone depths per boot mode. Build clones carry history so setup scripts
// that inspect recent commits keep working in the baked image.
const (
	cloneDepthNormal = 1
	cloneDepthBuild  = 100
)

// gitSyncer runs git subprocesses against the sandbox workspace.
type gitSyncer struct {
	env    Env
	logger *logger.Logger
	// runner is swapped out in tests.
	runner func(ctx context.Context, dir string, args ...string) (string, error)
}

func newGitSyncer(env Env, log *logger.Logger) *gitSyncer {
	return &gitSyncer{
		env:    env,
		logger: log,
		runner: runGit,
	}
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// FullClone clones the repo at the given depth into the workspace.
func (g *gitSyncer) FullClone(ctx context.Context, depth int) error {
	args := []string{"clone", "--depth", strconv.Itoa(depth)}
	if g.env.Branch != "" {
		args = append(args, "--branch", g.env.Branch)
	}
	args = append(args, g.env.RepoURL(true), g.env.RepoPath())

	out, err := g.runner(ctx, "", args...)
	if err != nil {
		return fmt.Errorf("git clone failed: %s", g.redact(out))
	}
	g.logger.Info("repository cloned",
		zap.Int("depth", depth),
		zap.String("path", g.env.RepoPath()))
	return nil
}

// IncrementalSync refreshes an existing checkout baked into the image:
// point origin at an authenticated URL when a token exists, fetch, and
// hard-reset to the remote branch.
func (g *gitSyncer) IncrementalSync(ctx context.Context) error {
	repo := g.env.RepoPath()

	if g.env.cloneToken() != "" {
		if out, err := g.runner(ctx, repo, "remote", "set-url", "origin", g.env.RepoURL(true)); err != nil {
			return fmt.Errorf("git remote set-url failed: %s", g.redact(out))
		}
	}

	if out, err := g.runner(ctx, repo, "fetch", "origin"); err != nil {
		return fmt.Errorf("git fetch failed: %s", g.redact(out))
	}

	branch := g.env.Branch
	if branch == "" {
		branch = "main"
	}
	if out, err := g.runner(ctx, repo, "reset", "--hard", "origin/"+branch); err != nil {
		return fmt.Errorf("git reset failed: %s", g.redact(out))
	}

	g.logger.Info("repository synced incrementally", zap.String("branch", branch))
	return nil
}

// QuickFetch refreshes remote refs after a snapshot restore. Failures are
// logged, never fatal; the restored checkout is still usable.
func (g *gitSyncer) QuickFetch(ctx context.Context) {
	if out, err := g.runner(ctx, g.env.RepoPath(), "fetch", "--quiet", "origin"); err != nil {
		g.logger.Warn("quick fetch failed", zap.String("output", g.redact(out)))
		return
	}
	g.logger.Debug("quick fetch complete")
}

// redact strips clone credentials from git output before it reaches logs
// or error messages.
func (g *gitSyncer) redact(s string) string {
	s = strings.TrimSpace(s)
	for _, secret := range []string{g.env.VCSCloneToken, g.env.GitHubAppToken} {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, "***")
		}
	}
	return s
}
