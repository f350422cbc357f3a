// Package provider adapts the sandbox substrate (containers) behind a small
// interface: create session sandboxes, create build sandboxes, and restore
// sandboxes from a previously snapshotted image.
package provider

import (
	"context"
	"time"
)

// SessionConfig describes a session sandbox to create or restore.
type SessionConfig struct {
	SandboxID       string
	SessionID       string
	RepoOwner       string
	RepoName        string
	Branch          string
	SCMProvider     string
	CloneToken      string
	ControlPlaneURL string
	AuthToken       string
	UserEnv         map[string]string
	// TimeoutSeconds overrides DefaultSandboxTimeoutSeconds when > 0.
	// Creating and restoring with the same config yields the same timeout.
	TimeoutSeconds int
}

// Timeout resolves the effective sandbox timeout.
func (c SessionConfig) Timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return DefaultSandboxTimeoutSeconds * time.Second
}

// Handle is the caller's reference to a created sandbox.
type Handle interface {
	// ID returns the logical sandbox id.
	ID() string
	// ProviderID returns the substrate object id (container id).
	ProviderID() string
	// CreatedAt returns the creation timestamp.
	CreatedAt() time.Time
	// Wait blocks until the sandbox process exits and returns its exit code.
	Wait(ctx context.Context) (int64, error)
	// Exec runs a command inside the sandbox and returns combined output
	// and exit code.
	Exec(ctx context.Context, cmd []string) (string, int, error)
	// SnapshotFilesystem commits the sandbox filesystem to a new image and
	// returns the provider image id.
	SnapshotFilesystem(ctx context.Context, ref string) (string, error)
	// Terminate stops and removes the sandbox.
	Terminate(ctx context.Context) error
}

// Provider creates and restores sandboxes.
type Provider interface {
	CreateSessionSandbox(ctx context.Context, cfg SessionConfig) (Handle, error)
	CreateBuildSandbox(ctx context.Context, owner, repo, branch, cloneToken, scmProvider string) (Handle, error)
	RestoreFromSnapshot(ctx context.Context, imageID string, cfg SessionConfig) (Handle, error)
}
