// Package imagebuild implements the asynchronous repo-image build worker,
// its HTTP API, and the periodic rebuild reconciler.
package imagebuild

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openinspect/openinspect/internal/common/logger"
	"github.com/openinspect/openinspect/internal/controlplane"
	"github.com/openinspect/openinspect/internal/events/bus"
	"github.com/openinspect/openinspect/internal/githubapp"
	"github.com/openinspect/openinspect/internal/sandbox/provider"
)

// BuildRequest is the Build API payload.
type BuildRequest struct {
	RepoOwner     string `json:"repoOwner" binding:"required"`
	RepoName      string `json:"repoName" binding:"required"`
	DefaultBranch string `json:"defaultBranch"`
	CallbackURL   string `json:"callbackUrl" binding:"required"`
	BuildID       string `json:"buildId" binding:"required"`
}

// BuildError marks a failure inside the build sandbox, as opposed to
// infrastructure errors around it.
type BuildError struct {
	Stage   string
	Message string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed at %s: %s", e.Stage, e.Message)
}

// Builder runs image builds: one sandbox per request, snapshotted into a
// provider image on success.
type Builder struct {
	provider    provider.Provider
	cp          *controlplane.Client
	tokens      *githubapp.TokenSource
	bus         bus.EventBus
	logger      *logger.Logger
	allowedURLs []string
	scmProvider string
	now         func() time.Time
}

// NewBuilder creates a Builder. allowedURLs is the callback allow-list for
// the SSRF guard; scmProvider selects the VCS vars composed into build
// sandboxes and defaults to GitHub.
func NewBuilder(p provider.Provider, cp *controlplane.Client, tokens *githubapp.TokenSource, eventBus bus.EventBus, allowedURLs []string, scmProvider string, log *logger.Logger) *Builder {
	if scmProvider == "" {
		scmProvider = provider.SCMGitHub
	}
	return &Builder{
		provider:    p,
		cp:          cp,
		tokens:      tokens,
		bus:         eventBus,
		logger:      log,
		allowedURLs: allowedURLs,
		scmProvider: scmProvider,
		now:         time.Now,
	}
}

// callbackAllowed implements the SSRF guard: the callback URL must sit
// under one of the configured control-plane base URLs.
func (b *Builder) callbackAllowed(callbackURL string) bool {
	for _, base := range b.allowedURLs {
		if base != "" && strings.HasPrefix(callbackURL, base) {
			return true
		}
	}
	return false
}

// Build executes one image build end to end and delivers the outcome to
// the callback URL. It never returns an error to the API layer beyond the
// SSRF rejection; build failures travel through the failure callback.
func (b *Builder) Build(ctx context.Context, req BuildRequest) error {
	log := b.logger.WithBuildID(req.BuildID).WithRepo(req.RepoOwner, req.RepoName)

	if !b.callbackAllowed(req.CallbackURL) {
		log.Error("callback URL rejected by allow-list",
			zap.String("callback_url", req.CallbackURL))
		return fmt.Errorf("callback URL not allowed: %s", req.CallbackURL)
	}

	start := b.now()
	b.publish(ctx, bus.SubjectBuildStarted, req, nil)
	log.Info("starting repo image build")

	imageID, baseSHA, err := b.runBuild(ctx, req, log)
	if err != nil {
		log.Error("repo image build failed", zap.Error(err))
		b.publish(ctx, bus.SubjectBuildFailed, req, map[string]interface{}{"error": err.Error()})
		b.cp.PostCallback(ctx, failureCallbackURL(req.CallbackURL), map[string]any{
			"build_id": req.BuildID,
			"error":    err.Error(),
		})
		return nil
	}

	duration := roundSeconds(b.now().Sub(start))
	log.Info("repo image build succeeded",
		zap.String("image_id", imageID),
		zap.String("base_sha", baseSHA),
		zap.Float64("build_duration_seconds", duration))

	b.publish(ctx, bus.SubjectBuildSucceeded, req, map[string]interface{}{
		"provider_image_id": imageID,
		"base_sha":          baseSHA,
	})
	b.cp.PostCallback(ctx, req.CallbackURL, map[string]any{
		"build_id":               req.BuildID,
		"provider_image_id":      imageID,
		"base_sha":               baseSHA,
		"build_duration_seconds": duration,
	})
	return nil
}

// runBuild drives the sandbox: create, wait for exit, read HEAD, snapshot.
func (b *Builder) runBuild(ctx context.Context, req BuildRequest, log *logger.Logger) (imageID, baseSHA string, err error) {
	cloneToken := b.tokens.InstallationToken(ctx)
	if cloneToken == "" {
		log.Warn("no installation token, building without clone auth")
	}

	handle, err := b.provider.CreateBuildSandbox(ctx, req.RepoOwner, req.RepoName, req.DefaultBranch, cloneToken, b.scmProvider)
	if err != nil {
		return "", "", fmt.Errorf("create build sandbox: %w", err)
	}
	defer func() {
		if termErr := handle.Terminate(context.WithoutCancel(ctx)); termErr != nil {
			log.Warn("failed to terminate build sandbox", zap.Error(termErr))
		}
	}()

	exitCode, err := handle.Wait(ctx)
	if err != nil {
		return "", "", fmt.Errorf("wait for build sandbox: %w", err)
	}
	if exitCode != 0 {
		return "", "", &BuildError{
			Stage:   "setup",
			Message: fmt.Sprintf("build sandbox exited with code %d", exitCode),
		}
	}

	// HEAD SHA is informational; a failure here must not fail the build.
	out, execCode, execErr := handle.Exec(ctx, provider.HeadSHACommand(req.RepoName))
	if execErr != nil || execCode != 0 {
		log.Warn("failed to read HEAD sha",
			zap.Int("exit_code", execCode),
			zap.Error(execErr))
	} else {
		baseSHA = strings.TrimSpace(out)
	}

	ref := fmt.Sprintf("openinspect/repo-image-%s-%s:%s",
		strings.ToLower(req.RepoOwner), strings.ToLower(req.RepoName), req.BuildID)
	imageID, err = handle.SnapshotFilesystem(ctx, ref)
	if err != nil {
		return "", "", &BuildError{Stage: "snapshot", Message: err.Error()}
	}
	return imageID, baseSHA, nil
}

func (b *Builder) publish(ctx context.Context, subject string, req BuildRequest, extra map[string]interface{}) {
	if b.bus == nil {
		return
	}
	data := map[string]interface{}{
		"build_id":   req.BuildID,
		"repo_owner": req.RepoOwner,
		"repo_name":  req.RepoName,
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := b.bus.Publish(ctx, subject, bus.NewEvent(subject, "buildworker", data)); err != nil {
		b.logger.Debug("failed to publish build event", zap.Error(err))
	}
}

// failureCallbackURL rewrites the success callback into its sibling
// build-failed endpoint: the parent path plus /build-failed.
func failureCallbackURL(callbackURL string) string {
	trimmed := strings.TrimRight(callbackURL, "/")
	if i := strings.LastIndex(trimmed, "/"); i > len("https://") {
		return trimmed[:i] + "/build-failed"
	}
	return trimmed + "/build-failed"
}

// roundSeconds reports a duration in seconds with 2-decimal precision.
func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}
