package bridge

import (
	"strings"
	"testing"
	"time"
)

func TestMakeAckIDDeterministicWithMessageID(t *testing.T) {
	e := Event{"type": EventExecutionComplete, "messageId": "msg-1"}
	if got := makeAckID(e); got != "execution_complete:msg-1" {
		t.Errorf("makeAckID = %q", got)
	}
	// Same event yields the same id on retry.
	if makeAckID(e) != makeAckID(e) {
		t.Error("ack id with messageId must be deterministic")
	}
}

func TestMakeAckIDRandomWithoutMessageID(t *testing.T) {
	e := Event{"type": EventSnapshotReady}
	a, b := makeAckID(e), makeAckID(e)
	if a == b {
		t.Error("ack ids without messageId must be unique per call")
	}
	parts := strings.SplitN(a, ":", 2)
	if len(parts) != 2 || parts[0] != EventSnapshotReady {
		t.Errorf("unexpected ack id shape: %q", a)
	}
	if len(parts[1]) != 16 {
		t.Errorf("expected 16 hex chars, got %q", parts[1])
	}
}

func TestEventCriticality(t *testing.T) {
	critical := []string{
		EventExecutionComplete, EventError, EventSnapshotReady,
		EventPushComplete, EventWorkspaceReady, EventSetupComplete,
	}
	for _, typ := range critical {
		if !(Event{"type": typ}).IsCritical() {
			t.Errorf("%s should be critical", typ)
		}
	}
	if (Event{"type": EventToken}).IsCritical() {
		t.Error("token should not be critical")
	}
	if (Event{"type": "status"}).IsCritical() {
		t.Error("status should not be critical")
	}
}

func TestStampPreservesExisting(t *testing.T) {
	now := time.Now()
	e := Event{"type": "token", "sandboxId": "original", "timestamp": "t0"}
	e.stamp("sb-1", now)

	if e["sandboxId"] != "original" || e["timestamp"] != "t0" {
		t.Errorf("stamp must not overwrite existing fields: %v", e)
	}

	e2 := Event{"type": "token"}
	e2.stamp("sb-1", now)
	if e2["sandboxId"] != "sb-1" {
		t.Errorf("missing sandboxId stamp")
	}
	if e2["timestamp"] == nil {
		t.Errorf("missing timestamp stamp")
	}
}

func TestIsFatalConnectionError(t *testing.T) {
	cases := []struct {
		errStr string
		fatal  bool
	}{
		{"server rejected websocket connection: HTTP 401: websocket: bad handshake", true},
		{"server rejected websocket connection: HTTP 403: websocket: bad handshake", true},
		{"server rejected websocket connection: HTTP 404: websocket: bad handshake", true},
		{"server rejected websocket connection: HTTP 410: websocket: bad handshake", true},
		{"server rejected websocket connection: HTTP 500: websocket: bad handshake", false},
		{"server rejected websocket connection: HTTP 503: websocket: bad handshake", false},
		{"dial tcp 10.0.0.1:443: i/o timeout", false},
		{"connection refused", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := isFatalConnectionError(tc.errStr); got != tc.fatal {
			t.Errorf("isFatalConnectionError(%q) = %v, want %v", tc.errStr, got, tc.fatal)
		}
	}
}
