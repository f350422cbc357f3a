// Package opencode provides a client for the OpenCode coding-agent server.
// OpenCode exposes a REST API plus a Server-Sent Events (SSE) stream.
package opencode

import (
	"encoding/json"
)

// Event types from the /event SSE stream consumed by the bridge.
const (
	EventServerConnected    = "server.connected"
	EventSessionIdle        = "session.idle"
	EventSessionError       = "session.error"
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
)

// HealthResponse from GET /global/health
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionResponse from POST /session
type SessionResponse struct {
	ID string `json:"id"`
}

// TextPartInput for prompt request parts
type TextPartInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest for POST /session/{id}/message
type PromptRequest struct {
	Parts []TextPartInput `json:"parts"`
}

// EventEnvelope is the base structure for all SSE events.
type EventEnvelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// SessionErrorProperties for session.error events.
type SessionErrorProperties struct {
	Error *SessionErrorDetail `json:"error,omitempty"`
}

// SessionErrorDetail carries the error name and message.
type SessionErrorDetail struct {
	Name string          `json:"name,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message extracts the human-readable message from the error data.
func (d *SessionErrorDetail) Message() string {
	if d == nil || len(d.Data) == 0 {
		return ""
	}
	var data struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(d.Data, &data); err != nil {
		return ""
	}
	return data.Message
}

// ParseEvent parses a raw SSE data payload into an envelope.
func ParseEvent(data []byte) (*EventEnvelope, error) {
	var event EventEnvelope
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
