package auth

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func newTestContext(t *testing.T, secret string) *Context {
	t.Helper()
	ctx, err := NewContext(secret)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return ctx
}

func TestMintFormat(t *testing.T) {
	ctx := newTestContext(t, "test-secret")

	token := ctx.Mint()
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		t.Fatalf("expected 2 token parts, got %d", len(parts))
	}

	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		t.Fatalf("timestamp not numeric: %v", err)
	}
	nowMs := time.Now().UnixMilli()
	if diff := nowMs - ts; diff < -1000 || diff > 1000 {
		t.Errorf("timestamp not in milliseconds: off by %dms", diff)
	}

	if len(parts[1]) != 64 {
		t.Errorf("expected 64 hex chars of SHA-256, got %d", len(parts[1]))
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	ctx := newTestContext(t, "test-secret")

	header := "Bearer " + ctx.Mint()
	if !ctx.Verify(header) {
		t.Error("freshly minted token should verify")
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	minter := newTestContext(t, "secret-1")
	verifier := newTestContext(t, "secret-2")

	header := "Bearer " + minter.Mint()
	if verifier.Verify(header) {
		t.Error("token minted under a different secret should not verify")
	}
}

func TestVerifyMalformed(t *testing.T) {
	ctx := newTestContext(t, "test-secret")

	cases := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"no bearer prefix", ctx.Mint()},
		{"lowercase prefix", "bearer " + ctx.Mint()},
		{"no dot", "Bearer abcdef"},
		{"too many parts", "Bearer 1.2.3"},
		{"non-numeric timestamp", "Bearer abc.def"},
		{"bearer without space", "Bearer" + ctx.Mint()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if ctx.Verify(tc.header) {
				t.Errorf("Verify(%q) = true, want false", tc.header)
			}
		})
	}
}

func TestVerifyValidityWindow(t *testing.T) {
	ctx := newTestContext(t, "test-secret")

	mintTime := time.Now()
	ctx.now = func() time.Time { return mintTime }
	header := "Bearer " + ctx.Mint()

	// 299 seconds later: inside the window.
	ctx.now = func() time.Time { return mintTime.Add(299 * time.Second) }
	if !ctx.Verify(header) {
		t.Error("token should verify at t0+299s")
	}

	// 301 seconds later: outside the window.
	ctx.now = func() time.Time { return mintTime.Add(301 * time.Second) }
	if ctx.Verify(header) {
		t.Error("token should not verify at t0+301s")
	}

	// Tokens from the future are also rejected beyond the window.
	ctx.now = func() time.Time { return mintTime.Add(-301 * time.Second) }
	if ctx.Verify(header) {
		t.Error("token 301s in the future should not verify")
	}
}

func TestNewContextEmptySecret(t *testing.T) {
	if _, err := NewContext(""); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestNewContextFromEnv(t *testing.T) {
	t.Setenv(SecretEnvVar, "")
	if _, err := NewContextFromEnv(); err == nil {
		t.Error("expected error when secret env var is unset")
	}

	t.Setenv(SecretEnvVar, "env-secret")
	ctx, err := NewContextFromEnv()
	if err != nil {
		t.Fatalf("NewContextFromEnv: %v", err)
	}
	if !ctx.Verify("Bearer " + ctx.Mint()) {
		t.Error("context from env should mint verifiable tokens")
	}
}
