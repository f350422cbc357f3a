package supervisor

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
)

// BootMode determines which phases of the boot pipeline run.
type BootMode string

const (
	ModeNormal          BootMode = "normal"
	ModeBuild           BootMode = "build"
	ModeRepoImage       BootMode = "repo_image"
	ModeSnapshotRestore BootMode = "snapshot_restore"
)

// Env captures the sandbox ABI: everything the supervisor reads from the
// process environment at boot.
type Env struct {
	SandboxID       string
	SessionID       string
	ControlPlaneURL string
	AuthToken       string

	RepoOwner string
	RepoName  string
	Branch    string

	VCSHost       string
	VCSUsername   string
	VCSCloneToken string
	// Legacy fallback token, honored for GitHub only.
	GitHubAppToken string

	ImageBuildMode       bool
	FromRepoImage        bool
	RepoImageSHA         string
	RestoredFromSnapshot bool

	WorkspaceDir string
}

// EnvFromProcess reads the sandbox environment.
func EnvFromProcess() Env {
	e := Env{
		SandboxID:       os.Getenv("SANDBOX_ID"),
		SessionID:       os.Getenv("SESSION_ID"),
		ControlPlaneURL: os.Getenv("CONTROL_PLANE_URL"),
		AuthToken:       os.Getenv("SANDBOX_AUTH_TOKEN"),

		RepoOwner: os.Getenv("REPO_OWNER"),
		RepoName:  os.Getenv("REPO_NAME"),

		VCSHost:        os.Getenv("VCS_HOST"),
		VCSUsername:    os.Getenv("VCS_CLONE_USERNAME"),
		VCSCloneToken:  os.Getenv("VCS_CLONE_TOKEN"),
		GitHubAppToken: os.Getenv("GITHUB_APP_TOKEN"),

		ImageBuildMode:       os.Getenv("IMAGE_BUILD_MODE") == "true",
		FromRepoImage:        os.Getenv("FROM_REPO_IMAGE") == "true",
		RepoImageSHA:         os.Getenv("REPO_IMAGE_SHA"),
		RestoredFromSnapshot: os.Getenv("RESTORED_FROM_SNAPSHOT") == "true",

		WorkspaceDir: "/workspace",
	}

	if raw := os.Getenv("SESSION_CONFIG"); raw != "" {
		var cfg struct {
			Branch string `json:"branch"`
		}
		if err := json.Unmarshal([]byte(raw), &cfg); err == nil {
			e.Branch = cfg.Branch
		}
	}
	return e
}

// SelectBootMode picks the boot mode, checked in priority order.
func (e Env) SelectBootMode() BootMode {
	switch {
	case e.ImageBuildMode:
		return ModeBuild
	case e.FromRepoImage:
		return ModeRepoImage
	case e.RestoredFromSnapshot:
		return ModeSnapshotRestore
	default:
		return ModeNormal
	}
}

// RepoPath is the checkout location inside the sandbox.
func (e Env) RepoPath() string {
	return e.WorkspaceDir + "/" + e.RepoName
}

// cloneToken resolves the token used for authenticated git operations:
// VCS_CLONE_TOKEN first, then the legacy GITHUB_APP_TOKEN for GitHub only.
func (e Env) cloneToken() string {
	if e.VCSCloneToken != "" {
		return e.VCSCloneToken
	}
	if e.GitHubAppToken != "" && (e.VCSHost == "" || e.VCSHost == "github.com") {
		return e.GitHubAppToken
	}
	return ""
}

// RepoURL composes the clone URL. With authenticated=false the credentials
// are stripped even when a token exists. Hosts default to GitHub when no
// VCS vars are set.
func (e Env) RepoURL(authenticated bool) string {
	host := e.VCSHost
	if host == "" {
		host = "github.com"
	}
	username := e.VCSUsername
	if username == "" {
		username = "x-access-token"
	}

	token := ""
	if authenticated {
		token = e.cloneToken()
	}
	if token == "" {
		return fmt.Sprintf("https://%s/%s/%s.git", host, e.RepoOwner, e.RepoName)
	}
	return fmt.Sprintf("https://%s:%s@%s/%s/%s.git",
		username, url.QueryEscape(token), host, e.RepoOwner, e.RepoName)
}
