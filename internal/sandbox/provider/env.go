package provider

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Recognized SCM providers.
const (
	SCMGitHub    = "github"
	SCMBitbucket = "bitbucket"
)

// DefaultSandboxTimeoutSeconds applies to session sandboxes when the caller
// does not override. Build sandboxes always use BuildSandboxTimeoutSeconds.
const (
	DefaultSandboxTimeoutSeconds = 3600
	BuildSandboxTimeoutSeconds   = 1800
)

// VCSVars derives the clone-credential environment from the SCM provider.
// Host and username are always emitted; token vars only when a token exists.
// GitHub additionally mirrors the token into the legacy GITHUB_APP_TOKEN and
// GITHUB_TOKEN names that older setup scripts read.
func VCSVars(scmProvider, cloneToken string) map[string]string {
	vars := make(map[string]string)
	switch scmProvider {
	case SCMBitbucket:
		vars["VCS_HOST"] = "bitbucket.org"
		vars["VCS_CLONE_USERNAME"] = "x-token-auth"
		if cloneToken != "" {
			vars["VCS_CLONE_TOKEN"] = cloneToken
		}
	default: // absent or "github"
		vars["VCS_HOST"] = "github.com"
		vars["VCS_CLONE_USERNAME"] = "x-access-token"
		if cloneToken != "" {
			vars["VCS_CLONE_TOKEN"] = cloneToken
			vars["GITHUB_APP_TOKEN"] = cloneToken
			vars["GITHUB_TOKEN"] = cloneToken
		}
	}
	return vars
}

// ComposeSessionEnv builds the environment for a session sandbox.
// System-injected variables always win over caller-supplied user vars.
func ComposeSessionEnv(cfg SessionConfig) map[string]string {
	env := make(map[string]string, len(cfg.UserEnv)+8)
	for k, v := range cfg.UserEnv {
		env[k] = v
	}

	for k, v := range VCSVars(cfg.SCMProvider, cfg.CloneToken) {
		env[k] = v
	}
	env["CONTROL_PLANE_URL"] = cfg.ControlPlaneURL
	env["SANDBOX_AUTH_TOKEN"] = cfg.AuthToken
	env["SANDBOX_ID"] = cfg.SandboxID

	return env
}

// BuildSandboxID returns the deterministic id for a build sandbox.
func BuildSandboxID(owner, repo string, now time.Time) string {
	return fmt.Sprintf("build-%s-%s-%d", owner, repo, now.Unix())
}

// ComposeBuildEnv builds the environment for a build sandbox. Build sandboxes
// carry no control-plane address, no auth token and no LLM credentials; the
// image produced here must not bake in secrets beyond the clone token used
// during the build itself.
func ComposeBuildEnv(owner, repo, branch, cloneToken, scmProvider string, now time.Time) (map[string]string, error) {
	sessionConfig, err := json.Marshal(map[string]string{"branch": branch})
	if err != nil {
		return nil, fmt.Errorf("marshal session config: %w", err)
	}

	env := VCSVars(scmProvider, cloneToken)
	env["IMAGE_BUILD_MODE"] = "true"
	env["REPO_OWNER"] = owner
	env["REPO_NAME"] = repo
	env["SANDBOX_ID"] = BuildSandboxID(owner, repo, now)
	env["SESSION_CONFIG"] = string(sessionConfig)
	return env, nil
}

// flattenEnv renders an env map into the KEY=VALUE slice the container
// runtime expects, sorted for deterministic creation requests.
func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
