package opencode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openinspect/openinspect/internal/common/logger"
)

// Client manages HTTP communication with the OpenCode server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	sseClient  *http.Client
	logger     *logger.Logger
}

// NewClient creates a new OpenCode HTTP client.
func NewClient(baseURL string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		// No timeout for the SSE stream; it lives as long as the context.
		sseClient: &http.Client{},
		logger:    log,
	}
}

// WaitForHealth polls /global/health until the server reports healthy or
// the deadline passes.
func (c *Client) WaitForHealth(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := c.get(ctx, "/global/health")
		if err != nil {
			lastErr = err
			time.Sleep(150 * time.Millisecond)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read health response: %w", err)
			time.Sleep(150 * time.Millisecond)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("health check HTTP %d: %s", resp.StatusCode, string(body))
			time.Sleep(150 * time.Millisecond)
			continue
		}

		var health HealthResponse
		if err := json.Unmarshal(body, &health); err != nil {
			lastErr = fmt.Errorf("parse health response: %w", err)
			time.Sleep(150 * time.Millisecond)
			continue
		}

		if health.Healthy {
			c.logger.Info("OpenCode server healthy", zap.String("version", health.Version))
			return nil
		}
		lastErr = fmt.Errorf("server unhealthy (version %s)", health.Version)
		time.Sleep(150 * time.Millisecond)
	}

	if lastErr != nil {
		return fmt.Errorf("health check timeout: %w", lastErr)
	}
	return fmt.Errorf("health check timeout")
}

// CreateSession creates a new OpenCode session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	resp, err := c.post(ctx, "/session", strings.NewReader("{}"))
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create session failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}
	return session.ID, nil
}

// SendPrompt submits a prompt to the session. Completion is signalled
// separately by a session.idle event on the SSE stream.
func (c *Client) SendPrompt(ctx context.Context, sessionID, prompt string) error {
	req := PromptRequest{
		Parts: []TextPartInput{{Type: "text", Text: prompt}},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal prompt request: %w", err)
	}

	resp, err := c.post(ctx, fmt.Sprintf("/session/%s/message", sessionID), strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("send prompt request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read prompt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prompt failed: HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Abort asks the server to stop the session's current operation.
// Errors are ignored; abort is best-effort.
func (c *Client) Abort(ctx context.Context, sessionID string) {
	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	resp, err := c.post(abortCtx, fmt.Sprintf("/session/%s/abort", sessionID), nil)
	if err != nil {
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
}

// StreamEvents connects to the /event SSE stream and delivers each parsed
// envelope to handler. It blocks until the context is cancelled or the
// stream closes, returning nil on a clean upstream close.
func (c *Client) StreamEvents(ctx context.Context, handler func(*EventEnvelope)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return fmt.Errorf("create event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.sseClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("event stream failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	c.logger.Debug("SSE stream connected")

	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var dataBuffer strings.Builder
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}

		// Empty line ends the frame.
		if line == "" && dataBuffer.Len() > 0 {
			data := strings.TrimSpace(dataBuffer.String())
			dataBuffer.Reset()
			if data == "" {
				continue
			}

			event, err := ParseEvent([]byte(data))
			if err != nil {
				c.logger.Warn("failed to parse SSE event", zap.Error(err))
				continue
			}
			handler(event)
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("event stream error: %w", err)
	}
	c.logger.Debug("SSE stream closed by server")
	return nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

func (c *Client) post(ctx context.Context, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}
