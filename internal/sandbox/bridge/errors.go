package bridge

import (
	"fmt"
	"strings"
)

// SessionTerminatedError indicates the control plane permanently rejected
// this session's websocket; reconnecting will not help.
type SessionTerminatedError struct {
	Status string
}

func (e *SessionTerminatedError) Error() string {
	return fmt.Sprintf("session terminated by control plane (%s)", e.Status)
}

// fatalStatuses are server rejections that no amount of retrying fixes.
var fatalStatuses = []string{"401", "403", "404", "410"}

// isFatalConnectionError classifies a dial error by its message. Only an
// explicit HTTP rejection with a fatal status counts; 5xx, timeouts and
// network errors stay retriable.
func isFatalConnectionError(errStr string) bool {
	if errStr == "" {
		return false
	}
	for _, status := range fatalStatuses {
		if strings.Contains(errStr, "HTTP "+status) ||
			strings.Contains(errStr, "status "+status) ||
			strings.Contains(errStr, "bad handshake: "+status) {
			return true
		}
	}
	return false
}

// fatalStatus extracts the matched status for error reporting.
func fatalStatus(errStr string) string {
	for _, status := range fatalStatuses {
		if strings.Contains(errStr, status) {
			return "HTTP " + status
		}
	}
	return "unknown"
}
