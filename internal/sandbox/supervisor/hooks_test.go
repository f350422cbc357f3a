package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openinspect/openinspect/internal/common/logger"
)

func newHookEnv(t *testing.T) Env {
	t.Helper()
	workspace := t.TempDir()
	repo := filepath.Join(workspace, "widgets")
	if err := os.MkdirAll(filepath.Join(repo, hookDir), 0o755); err != nil {
		t.Fatal(err)
	}
	return Env{RepoName: "widgets", WorkspaceDir: workspace}
}

func writeHook(t *testing.T, env Env, name, body string) {
	t.Helper()
	script := filepath.Join(env.RepoPath(), hookDir, name)
	if err := os.WriteFile(script, []byte("#!/bin/bash\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func newTestHookRunner(t *testing.T, env Env, mode BootMode) *hookRunner {
	t.Helper()
	log, _ := logger.New(logger.Config{Level: "error", Format: "json"})
	return newHookRunner(env, mode, log)
}

func TestHookSuccess(t *testing.T) {
	env := newHookEnv(t)
	writeHook(t, env, "setup.sh", "exit 0")

	h := newTestHookRunner(t, env, ModeNormal)
	if !h.RunSetup(context.Background()) {
		t.Error("successful hook should return true")
	}
}

func TestHookFailure(t *testing.T) {
	env := newHookEnv(t)
	writeHook(t, env, "setup.sh", "exit 3")

	h := newTestHookRunner(t, env, ModeNormal)
	if h.RunSetup(context.Background()) {
		t.Error("non-zero exit should return false")
	}
}

func TestHookAbsentIsSuccess(t *testing.T) {
	env := newHookEnv(t)
	h := newTestHookRunner(t, env, ModeNormal)
	if !h.RunSetup(context.Background()) {
		t.Error("absent script should be a no-op success")
	}
}

func TestHookMissingRepoIsSuccess(t *testing.T) {
	env := Env{RepoName: "nonexistent", WorkspaceDir: t.TempDir()}
	h := newTestHookRunner(t, env, ModeNormal)
	if !h.RunSetup(context.Background()) {
		t.Error("missing repo should be a no-op success")
	}
}

func TestHookSeesBootMode(t *testing.T) {
	env := newHookEnv(t)
	marker := filepath.Join(env.RepoPath(), "mode.txt")
	writeHook(t, env, "start.sh", `echo -n "$OPENINSPECT_BOOT_MODE" > mode.txt`)

	h := newTestHookRunner(t, env, ModeRepoImage)
	if !h.RunStart(context.Background()) {
		t.Fatal("hook should succeed")
	}

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("marker not written: %v", err)
	}
	if string(data) != "repo_image" {
		t.Errorf("OPENINSPECT_BOOT_MODE = %q", data)
	}
}

func TestHookRunsInRepoDir(t *testing.T) {
	env := newHookEnv(t)
	writeHook(t, env, "setup.sh", `[ "$(pwd)" = "`+env.RepoPath()+`" ] || exit 1`)

	h := newTestHookRunner(t, env, ModeNormal)
	if !h.RunSetup(context.Background()) {
		t.Error("hook cwd must be the repo path")
	}
}

func TestHookTimeout(t *testing.T) {
	env := newHookEnv(t)
	writeHook(t, env, "start.sh", "sleep 10")

	h := newTestHookRunner(t, env, ModeNormal)
	h.getenv = func(key string) string {
		if key == startTimeoutEnvVar {
			return "1"
		}
		return ""
	}

	start := time.Now()
	if h.RunStart(context.Background()) {
		t.Error("timed-out hook should return false")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("hook not killed promptly, took %v", elapsed)
	}
}

func TestHookTimeoutEnvParsing(t *testing.T) {
	env := newHookEnv(t)
	h := newTestHookRunner(t, env, ModeNormal)

	cases := []struct {
		value string
		want  time.Duration
	}{
		{"", setupHookDefaultTimeout},
		{"45", 45 * time.Second},
		{"not-a-number", setupHookDefaultTimeout},
		{"-5", setupHookDefaultTimeout},
	}
	for _, tc := range cases {
		h.getenv = func(string) string { return tc.value }
		if got := h.hookTimeout(setupTimeoutEnvVar, setupHookDefaultTimeout); got != tc.want {
			t.Errorf("hookTimeout(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}
