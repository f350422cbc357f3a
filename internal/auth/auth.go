// Package auth implements HMAC-SHA256 time-bounded tokens for
// service-to-service authentication between sandboxes, the build worker,
// and the control plane.
//
// Token format: "timestamp.signature" where timestamp is Unix milliseconds
// at minting time and signature is the hex HMAC-SHA256 of the timestamp
// string under the shared secret.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// TokenValiditySeconds is the accepted clock skew between minting and
// verification, in either direction.
const TokenValiditySeconds = 300

// SecretEnvVar names the environment variable holding the shared secret.
const SecretEnvVar = "MODAL_API_SECRET"

const bearerPrefix = "Bearer "

// ErrNotConfigured is returned when the shared secret is absent.
var ErrNotConfigured = errors.New("auth: shared secret is not configured")

// Context holds the resolved shared secret and a clock. It is resolved once
// per process and injected where tokens are minted or verified, so tests can
// substitute secrets and clocks without touching the process environment.
type Context struct {
	secret []byte
	now    func() time.Time
}

// NewContext creates a Context from an explicit secret.
func NewContext(secret string) (*Context, error) {
	if secret == "" {
		return nil, ErrNotConfigured
	}
	return &Context{secret: []byte(secret), now: time.Now}, nil
}

// NewContextFromEnv resolves the shared secret from MODAL_API_SECRET,
// failing fast when it is absent.
func NewContextFromEnv() (*Context, error) {
	secret := os.Getenv(SecretEnvVar)
	if secret == "" {
		return nil, fmt.Errorf("%w: set %s", ErrNotConfigured, SecretEnvVar)
	}
	return NewContext(secret)
}

// Mint generates a fresh token for an outbound request.
func (c *Context) Mint() string {
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	return ts + "." + c.sign(ts)
}

// Verify checks an Authorization header value of the form
// "Bearer <timestamp>.<signature>". A missing prefix, malformed timestamp,
// expired window, or signature mismatch yields false; no error is ever
// surfaced. The signature comparison is constant-time.
func (c *Context) Verify(header string) bool {
	if !strings.HasPrefix(header, bearerPrefix) {
		return false
	}

	token := header[len(bearerPrefix):]
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return false
	}
	tsStr, signature := parts[0], parts[1]

	tokenMs, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return false
	}

	ageMs := c.now().UnixMilli() - tokenMs
	if ageMs < 0 {
		ageMs = -ageMs
	}
	if ageMs > TokenValiditySeconds*1000 {
		return false
	}

	expected := c.sign(tsStr)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func (c *Context) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
