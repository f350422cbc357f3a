// Package githubapp mints GitHub App installation tokens for cloning
// private repositories when no per-request VCS token is supplied.
package githubapp

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/openinspect/openinspect/internal/common/logger"
)

const (
	appIDEnvVar          = "GITHUB_APP_ID"
	privateKeyEnvVar     = "GITHUB_APP_PRIVATE_KEY"
	installationIDEnvVar = "GITHUB_APP_INSTALLATION_ID"

	apiBaseURL = "https://api.github.com"
)

// TokenSource mints short-lived installation tokens. A zero-value source
// (no app configured) returns empty tokens without error so callers can
// fall back to anonymous cloning.
type TokenSource struct {
	appID          string
	installationID string
	privateKey     *rsa.PrivateKey
	httpClient     *http.Client
	logger         *logger.Logger
	now            func() time.Time
}

// NewFromEnv builds a TokenSource from GITHUB_APP_ID, GITHUB_APP_PRIVATE_KEY
// and GITHUB_APP_INSTALLATION_ID. Missing configuration yields a disabled
// source, not an error.
func NewFromEnv(log *logger.Logger) (*TokenSource, error) {
	appID := os.Getenv(appIDEnvVar)
	keyPEM := os.Getenv(privateKeyEnvVar)
	installationID := os.Getenv(installationIDEnvVar)

	ts := &TokenSource{
		appID:          appID,
		installationID: installationID,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         log,
		now:            time.Now,
	}
	if appID == "" || keyPEM == "" || installationID == "" {
		return ts, nil
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse GitHub App private key: %w", err)
	}
	ts.privateKey = key
	return ts, nil
}

// Enabled reports whether the source can mint tokens.
func (ts *TokenSource) Enabled() bool {
	return ts != nil && ts.privateKey != nil
}

// InstallationToken exchanges an app JWT for an installation access token.
// Failures are logged and surfaced as an empty token so clone flows can
// degrade to anonymous access.
func (ts *TokenSource) InstallationToken(ctx context.Context) string {
	if !ts.Enabled() {
		return ""
	}

	appJWT, err := ts.appJWT()
	if err != nil {
		ts.logger.Warn("failed to sign GitHub App JWT", zap.Error(err))
		return ""
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", apiBaseURL, ts.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		ts.logger.Warn("failed to build installation token request", zap.Error(err))
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		ts.logger.Warn("installation token request failed", zap.Error(err))
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		ts.logger.Warn("installation token request rejected",
			zap.Int("status", resp.StatusCode))
		return ""
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		ts.logger.Warn("failed to decode installation token response", zap.Error(err))
		return ""
	}
	return body.Token
}

// appJWT signs a short-lived RS256 JWT identifying the app. Issued-at is
// backdated 60s to absorb clock skew against GitHub.
func (ts *TokenSource) appJWT() (string, error) {
	now := ts.now()
	claims := jwt.RegisteredClaims{
		Issuer:    ts.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(ts.privateKey)
}
