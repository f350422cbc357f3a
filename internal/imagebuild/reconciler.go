package imagebuild

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openinspect/openinspect/internal/common/config"
	"github.com/openinspect/openinspect/internal/common/logger"
	"github.com/openinspect/openinspect/internal/controlplane"
	"github.com/openinspect/openinspect/internal/events/bus"
	"github.com/openinspect/openinspect/internal/githubapp"
)

const lsRemoteTimeout = 30 * time.Second

// Reconciler periodically compares ready images against the current branch
// head of each enabled repository and triggers rebuilds for stale ones.
type Reconciler struct {
	cp              *controlplane.Client
	tokens          *githubapp.TokenSource
	bus             bus.EventBus
	logger          *logger.Logger
	interval        time.Duration
	controlPlaneURL string
	lsRemote        func(ctx context.Context, owner, name, token string) (string, error)
}

// NewReconciler creates a Reconciler ticking at cfg.Interval seconds.
func NewReconciler(cp *controlplane.Client, tokens *githubapp.TokenSource, eventBus bus.EventBus, cfg config.ReconcilerConfig, controlPlaneURL string, log *logger.Logger) *Reconciler {
	r := &Reconciler{
		cp:              cp,
		tokens:          tokens,
		bus:             eventBus,
		logger:          log.WithFields(zap.String("component", "reconciler")),
		interval:        time.Duration(cfg.Interval) * time.Second,
		controlPlaneURL: controlPlaneURL,
	}
	r.lsRemote = r.gitLsRemote
	return r
}

// Run ticks until ctx is cancelled. The first tick happens after one full
// interval so worker startup is not front-loaded with remote git calls.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one reconcile pass. All errors are logged and contained; a
// tick never aborts the reconciler.
func (r *Reconciler) Tick(ctx context.Context) {
	if r.controlPlaneURL == "" {
		r.logger.Info("control plane URL not configured, skipping reconcile")
		return
	}

	checked, triggered := r.reconcileRepos(ctx)

	// Maintenance runs regardless of how the rebuild phase went.
	if err := r.cp.MarkStale(ctx); err != nil {
		r.logger.Warn("mark-stale failed", zap.Error(err))
	}
	if err := r.cp.Cleanup(ctx); err != nil {
		r.logger.Warn("cleanup failed", zap.Error(err))
	}

	r.logger.Info("reconcile pass complete",
		zap.Int("repos_checked", checked),
		zap.Int("rebuilds_triggered", triggered))
}

func (r *Reconciler) reconcileRepos(ctx context.Context) (checked, triggered int) {
	repos, err := r.cp.EnabledRepos(ctx)
	if err != nil {
		r.logger.Warn("failed to list enabled repos", zap.Error(err))
		return 0, 0
	}
	records, err := r.cp.ImageStatus(ctx)
	if err != nil {
		r.logger.Warn("failed to fetch image status", zap.Error(err))
		return 0, 0
	}

	// Token is best effort: public repos resolve without one.
	token := r.tokens.InstallationToken(ctx)

	for _, repo := range repos {
		log := r.logger.WithRepo(repo.RepoOwner, repo.RepoName)

		remoteSHA, err := r.lsRemote(ctx, repo.RepoOwner, repo.RepoName, token)
		if err != nil {
			log.Warn("failed to resolve remote head, skipping repo", zap.Error(err))
			continue
		}
		checked++

		if !shouldRebuild(repo.RepoOwner, repo.RepoName, remoteSHA, records) {
			continue
		}

		log.Info("image stale, triggering rebuild", zap.String("remote_sha", remoteSHA))
		if err := r.cp.TriggerBuild(ctx, repo.RepoOwner, repo.RepoName); err != nil {
			log.Warn("failed to trigger rebuild", zap.Error(err))
			continue
		}
		triggered++
		r.publishTriggered(ctx, repo, remoteSHA)
	}
	return checked, triggered
}

// shouldRebuild decides whether a repo needs a fresh image given the
// current records. Owner and name match case-insensitively. A build in
// flight suppresses any trigger; otherwise the newest ready image must
// match the remote head.
func shouldRebuild(owner, name, remoteSHA string, records []controlplane.BuildRecord) bool {
	var ready []controlplane.BuildRecord
	for _, rec := range records {
		if !strings.EqualFold(rec.RepoOwner, owner) || !strings.EqualFold(rec.RepoName, name) {
			continue
		}
		switch rec.Status {
		case controlplane.StatusBuilding:
			return false
		case controlplane.StatusReady:
			ready = append(ready, rec)
		}
	}
	if len(ready) == 0 {
		return true
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].CreatedAt.After(ready[j].CreatedAt)
	})
	return ready[0].BaseSHA != remoteSHA
}

// gitLsRemote resolves refs/heads/main of the repo via git ls-remote,
// bounded at 30 seconds. Tokens never appear in errors.
func (r *Reconciler) gitLsRemote(ctx context.Context, owner, name, token string) (string, error) {
	repoURL := fmt.Sprintf("https://github.com/%s/%s.git", owner, name)
	if token != "" {
		repoURL = fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git",
			url.QueryEscape(token), owner, name)
	}

	ctx, cancel := context.WithTimeout(ctx, lsRemoteTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "git", "ls-remote", repoURL, "refs/heads/main").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git ls-remote: %s: %w", redactToken(string(out), token), err)
	}

	line := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0]
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", fmt.Errorf("git ls-remote returned no refs")
	}
	return fields[0], nil
}

func redactToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

func (r *Reconciler) publishTriggered(ctx context.Context, repo controlplane.RepoRef, remoteSHA string) {
	if r.bus == nil {
		return
	}
	ev := bus.NewEvent(bus.SubjectReconcileTriggered, "reconciler", map[string]interface{}{
		"trigger_id": uuid.NewString(),
		"repo_owner": repo.RepoOwner,
		"repo_name":  repo.RepoName,
		"remote_sha": remoteSHA,
	})
	if err := r.bus.Publish(ctx, bus.SubjectReconcileTriggered, ev); err != nil {
		r.logger.Debug("failed to publish reconcile event", zap.Error(err))
	}
}
