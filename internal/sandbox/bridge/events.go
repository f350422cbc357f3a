package bridge

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Outbound event types.
const (
	EventExecutionComplete = "execution_complete"
	EventError             = "error"
	EventSnapshotReady     = "snapshot_ready"
	EventPushComplete      = "push_complete"
	EventWorkspaceReady    = "workspace_ready"
	EventSetupComplete     = "setup_complete"
	EventToken             = "token"
)

// Inbound command types.
const (
	CommandAck    = "ack"
	CommandPrompt = "prompt"
	CommandStop   = "stop"
)

// criticalEventTypes must be re-delivered until the control plane
// acknowledges them. Everything else is best-effort.
var criticalEventTypes = map[string]bool{
	EventExecutionComplete: true,
	EventError:             true,
	EventSnapshotReady:     true,
	EventPushComplete:      true,
	EventWorkspaceReady:    true,
	EventSetupComplete:     true,
}

// Event is an outbound message to the control plane. The payload shape is
// type-specific; the bridge only interprets the envelope keys.
type Event map[string]any

// Type returns the event type discriminator.
func (e Event) Type() string {
	t, _ := e["type"].(string)
	return t
}

// MessageID returns the prompt correlation id, if any.
func (e Event) MessageID() string {
	id, _ := e["messageId"].(string)
	return id
}

// AckID returns the assigned ack id, if any.
func (e Event) AckID() string {
	id, _ := e["ackId"].(string)
	return id
}

// IsCritical reports whether delivery must be reconfirmed.
func (e Event) IsCritical() bool {
	return criticalEventTypes[e.Type()]
}

// stamp fills sandboxId and timestamp if absent. Existing values are kept.
func (e Event) stamp(sandboxID string, now time.Time) {
	if _, ok := e["sandboxId"]; !ok {
		e["sandboxId"] = sandboxID
	}
	if _, ok := e["timestamp"]; !ok {
		e["timestamp"] = now.UTC().Format(time.RFC3339Nano)
	}
}

// makeAckID derives the ack id for a critical event. Events carrying a
// messageId get a deterministic id so retried prompt outcomes deduplicate
// on the control plane; others get a random one.
func makeAckID(e Event) string {
	if id := e.MessageID(); id != "" {
		return e.Type() + ":" + id
	}
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return e.Type() + ":" + hex.EncodeToString(buf)
}
