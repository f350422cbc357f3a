// Package controlplane provides a typed client for the control-plane
// endpoints the build pipeline consumes. Every request carries a freshly
// minted internal token.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openinspect/openinspect/internal/auth"
	"github.com/openinspect/openinspect/internal/common/logger"
)

// Build record statuses as reported by the control plane.
const (
	StatusBuilding = "building"
	StatusReady    = "ready"
	StatusFailed   = "failed"
)

// Thresholds handed to the control plane's maintenance endpoints.
const (
	MarkStaleMaxAgeSeconds = 2100
	CleanupMaxAgeSeconds   = 86400
)

// RepoRef identifies an enabled repository.
type RepoRef struct {
	RepoOwner string `json:"repoOwner"`
	RepoName  string `json:"repoName"`
}

// BuildRecord is the control plane's view of one image build.
type BuildRecord struct {
	BuildID         string    `json:"buildId"`
	RepoOwner       string    `json:"repoOwner"`
	RepoName        string    `json:"repoName"`
	Status          string    `json:"status"`
	BaseSHA         string    `json:"baseSha"`
	ProviderImageID string    `json:"providerImageId"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Client talks to the control plane's repo-image surface.
type Client struct {
	baseURL    string
	authCtx    *auth.Context
	httpClient *http.Client
	logger     *logger.Logger
	sleep      func(time.Duration) // injectable for retry tests
}

// NewClient creates a control-plane client rooted at baseURL.
func NewClient(baseURL string, authCtx *auth.Context, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		authCtx: authCtx,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "controlplane-client")),
		sleep:  time.Sleep,
	}
}

// EnabledRepos lists repositories with image builds enabled.
func (c *Client) EnabledRepos(ctx context.Context) ([]RepoRef, error) {
	var body struct {
		Repos []RepoRef `json:"repos"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/repo-images/enabled-repos", nil, &body); err != nil {
		return nil, err
	}
	return body.Repos, nil
}

// ImageStatus lists all build records.
func (c *Client) ImageStatus(ctx context.Context) ([]BuildRecord, error) {
	var body struct {
		Images []BuildRecord `json:"images"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/repo-images/status", nil, &body); err != nil {
		return nil, err
	}
	return body.Images, nil
}

// TriggerBuild asks the control plane to start a rebuild for a repo.
func (c *Client) TriggerBuild(ctx context.Context, owner, name string) error {
	endpoint := fmt.Sprintf("%s/repo-images/trigger/%s/%s",
		c.baseURL, url.PathEscape(owner), url.PathEscape(name))
	return c.doJSON(ctx, http.MethodPost, endpoint, nil, nil)
}

// MarkStale transitions builds stuck in building state to failed.
func (c *Client) MarkStale(ctx context.Context) error {
	payload := map[string]int{"max_age_seconds": MarkStaleMaxAgeSeconds}
	return c.doJSON(ctx, http.MethodPost, c.baseURL+"/repo-images/mark-stale", payload, nil)
}

// Cleanup deletes old failed build records.
func (c *Client) Cleanup(ctx context.Context) error {
	payload := map[string]int{"max_age_seconds": CleanupMaxAgeSeconds}
	return c.doJSON(ctx, http.MethodPost, c.baseURL+"/repo-images/cleanup", payload, nil)
}

// PostCallback delivers a build result to callbackURL with retries: at most
// 3 attempts, sleeping 2^attempt seconds between them, a fresh token per
// attempt. It reports success as a boolean and never returns an error.
func (c *Client) PostCallback(ctx context.Context, callbackURL string, payload any) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("failed to marshal callback payload", zap.Error(err))
		return false
	}

	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.post(ctx, callbackURL, body)
		if err == nil {
			return true
		}
		c.logger.Warn("callback attempt failed",
			zap.Int("attempt", attempt),
			zap.String("url", callbackURL),
			zap.Error(err))
		if attempt < maxAttempts {
			c.sleep(time.Duration(1<<attempt) * time.Second)
		}
	}
	return false
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.authCtx.Mint())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, payload, out any) error {
	var reqBody *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.authCtx.Mint())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s returned %d", method, endpoint, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
