// Package bridge maintains a durable stream of agent events to the control
// plane over an unreliable websocket, and executes control-plane commands
// (prompt, stop, ack) against the local coding agent.
package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openinspect/openinspect/internal/common/logger"
	"github.com/openinspect/openinspect/pkg/opencode"
)

// Reconnect backoff bounds.
const (
	reconnectBackoffBase = 2 * time.Second
	reconnectBackoffMax  = 30 * time.Second
)

// AgentClient is the coding-agent surface the bridge drives. Implemented
// by *opencode.Client.
type AgentClient interface {
	CreateSession(ctx context.Context) (string, error)
	SendPrompt(ctx context.Context, sessionID, prompt string) error
	Abort(ctx context.Context, sessionID string)
	StreamEvents(ctx context.Context, handler func(*opencode.EventEnvelope)) error
}

// Config holds the bridge's identity and endpoints.
type Config struct {
	SandboxID       string
	SessionID       string
	ControlPlaneURL string
	AuthToken       string
}

// Bridge relays agent events upstream and executes inbound commands.
// The prompt task's lifecycle is independent of any single socket.
type Bridge struct {
	cfg    Config
	agent  AgentClient
	dialer Dialer
	logger *logger.Logger

	mu             sync.Mutex
	conn           Conn
	buffer         *eventBuffer
	pendingAcks    map[string]Event
	currentPrompt  *promptTask
	agentSessionID string

	now func() time.Time
}

// promptTask tracks one in-flight prompt.
type promptTask struct {
	messageID string
	cancel    context.CancelFunc
	idleCh    chan struct{}
	errCh     chan string
	done      chan struct{}
}

func (t *promptTask) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// New creates a Bridge.
func New(cfg Config, agent AgentClient, log *logger.Logger) *Bridge {
	return &Bridge{
		cfg:         cfg,
		agent:       agent,
		dialer:      NewDialer(),
		logger:      log.WithSandboxID(cfg.SandboxID),
		buffer:      newEventBuffer(MaxEventBufferSize),
		pendingAcks: make(map[string]Event),
		now:         time.Now,
	}
}

// Run connects to the control plane and services the session until ctx is
// cancelled or the control plane permanently rejects the session. Any
// in-flight prompt task is cancelled on the way out.
func (b *Bridge) Run(ctx context.Context) error {
	sessionID, err := b.agent.CreateSession(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.agentSessionID = sessionID
	b.mu.Unlock()

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	go b.consumeAgentStream(streamCtx)

	defer func() {
		b.mu.Lock()
		task := b.currentPrompt
		conn := b.conn
		b.conn = nil
		b.mu.Unlock()
		if task != nil {
			task.cancel()
		}
		if conn != nil {
			_ = conn.Close()
		}
	}()

	backoff := reconnectBackoffBase
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn, err := b.dialer.Dial(ctx, b.wsURL(), b.authHeader())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isFatalConnectionError(err.Error()) {
				b.logger.Error("control plane rejected session", zap.Error(err))
				return &SessionTerminatedError{Status: fatalStatus(err.Error())}
			}
			b.logger.Warn("websocket connect failed, retrying",
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectBackoffMax {
				backoff = reconnectBackoffMax
			}
			continue
		}
		backoff = reconnectBackoffBase
		b.logger.Info("websocket connected")

		b.mu.Lock()
		b.conn = conn
		sent := b.flushEventBufferLocked(conn)
		b.flushPendingAcksLocked(conn, sent)
		b.mu.Unlock()

		b.serviceConn(ctx, conn)

		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		_ = conn.Close()
	}
}

func (b *Bridge) wsURL() string {
	return b.cfg.ControlPlaneURL + "/sandboxes/" + b.cfg.SandboxID + "/bridge"
}

func (b *Bridge) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+b.cfg.AuthToken)
	return h
}

// serviceConn reads commands until the socket dies or ctx is cancelled.
func (b *Bridge) serviceConn(ctx context.Context, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		b.handleCommand(ctx, data)
	}
}

// SendEvent delivers an event to the control plane, or buffers it when no
// open socket exists. Critical events are tracked for acknowledgement.
func (b *Bridge) SendEvent(e Event) {
	e.stamp(b.cfg.SandboxID, b.now())
	if e.IsCritical() && e.AckID() == "" {
		e["ackId"] = makeAckID(e)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil || !b.conn.IsOpen() {
		b.buffer.Append(e)
		return
	}

	if err := b.conn.WriteJSON(map[string]any(e)); err != nil {
		b.logger.Debug("event write failed, buffering",
			zap.String("type", e.Type()),
			zap.Error(err))
		b.buffer.Append(e)
		return
	}
	if e.IsCritical() {
		b.pendingAcks[e.AckID()] = e
	}
}

// flushEventBufferLocked writes buffered events in FIFO order, stopping at
// the first failure. Returns the ack ids registered during this flush so
// the pending-ack pass can skip them.
func (b *Bridge) flushEventBufferLocked(conn Conn) map[string]struct{} {
	sent := make(map[string]struct{})
	events := b.buffer.TakeAll()
	for i, e := range events {
		if err := conn.WriteJSON(map[string]any(e)); err != nil {
			b.buffer.PutBack(events[i:])
			b.logger.Warn("buffer flush interrupted",
				zap.Int("flushed", i),
				zap.Int("remaining", len(events)-i))
			return sent
		}
		if e.IsCritical() {
			b.pendingAcks[e.AckID()] = e
			sent[e.AckID()] = struct{}{}
		}
	}
	if len(events) > 0 {
		b.logger.Info("flushed event buffer", zap.Int("count", len(events)))
	}
	return sent
}

// flushPendingAcksLocked re-sends unacknowledged events on a fresh socket,
// skipping those that just went out with the buffer flush. Entries leave
// the map only via ack commands.
func (b *Bridge) flushPendingAcksLocked(conn Conn, skip map[string]struct{}) {
	for ackID, e := range b.pendingAcks {
		if _, ok := skip[ackID]; ok {
			continue
		}
		if err := conn.WriteJSON(map[string]any(e)); err != nil {
			b.logger.Warn("pending ack flush interrupted", zap.Error(err))
			return
		}
	}
}

// handleCommand dispatches one inbound control-plane message. Unknown types
// are ignored.
func (b *Bridge) handleCommand(ctx context.Context, data []byte) {
	var cmd struct {
		Type      string `json:"type"`
		AckID     string `json:"ackId"`
		MessageID string `json:"messageId"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		b.logger.Warn("failed to parse inbound command", zap.Error(err))
		return
	}

	switch cmd.Type {
	case CommandAck:
		if cmd.AckID == "" {
			return
		}
		b.mu.Lock()
		delete(b.pendingAcks, cmd.AckID)
		b.mu.Unlock()

	case CommandPrompt:
		b.startPrompt(ctx, cmd.MessageID, cmd.Content)

	case CommandStop:
		b.stopPrompt(ctx)

	default:
		b.logger.Debug("ignoring unknown command", zap.String("type", cmd.Type))
	}
}

// startPrompt spawns a task for the prompt. An existing task is not
// cancelled; it keeps running alongside until it finishes on its own.
func (b *Bridge) startPrompt(ctx context.Context, messageID, content string) {
	taskCtx, cancel := context.WithCancel(ctx)
	task := &promptTask{
		messageID: messageID,
		cancel:    cancel,
		idleCh:    make(chan struct{}, 1),
		errCh:     make(chan string, 1),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.currentPrompt = task
	sessionID := b.agentSessionID
	b.mu.Unlock()

	b.logger.Info("starting prompt task", zap.String("message_id", messageID))

	go func() {
		defer cancel()
		success := b.runPrompt(taskCtx, task, sessionID, content)
		close(task.done)

		b.SendEvent(Event{
			"type":      EventExecutionComplete,
			"messageId": messageID,
			"success":   success,
		})

		// A newer prompt may have replaced this task; only clear the
		// reference when it is still ours.
		b.mu.Lock()
		if b.currentPrompt == task {
			b.currentPrompt = nil
		}
		b.mu.Unlock()
	}()
}

// runPrompt submits the prompt and waits for a terminal signal. Returns
// true only on a clean idle with no error and no cancellation.
func (b *Bridge) runPrompt(ctx context.Context, task *promptTask, sessionID, content string) bool {
	if err := b.agent.SendPrompt(ctx, sessionID, content); err != nil {
		if ctx.Err() == nil {
			b.logger.Error("prompt submission failed", zap.Error(err))
			b.SendEvent(Event{
				"type":      EventError,
				"messageId": task.messageID,
				"error":     err.Error(),
			})
		}
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-task.idleCh:
		return true
	case msg := <-task.errCh:
		b.SendEvent(Event{
			"type":      EventError,
			"messageId": task.messageID,
			"error":     msg,
		})
		return false
	}
}

// stopPrompt cancels the current prompt task, if any, and issues a
// best-effort agent-side abort.
func (b *Bridge) stopPrompt(ctx context.Context) {
	b.mu.Lock()
	task := b.currentPrompt
	sessionID := b.agentSessionID
	b.mu.Unlock()

	if task != nil && !task.isDone() {
		b.logger.Info("stopping prompt task", zap.String("message_id", task.messageID))
		task.cancel()
	}
	b.agent.Abort(ctx, sessionID)
}

// consumeAgentStream relays agent SSE events for the life of the bridge,
// reconnecting when the stream drops.
func (b *Bridge) consumeAgentStream(ctx context.Context) {
	for {
		err := b.agent.StreamEvents(ctx, b.handleAgentEvent)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.logger.Warn("agent event stream failed, reconnecting", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// handleAgentEvent translates one agent SSE envelope into bridge activity.
func (b *Bridge) handleAgentEvent(e *opencode.EventEnvelope) {
	switch e.Type {
	case opencode.EventServerConnected:
		b.logger.Debug("agent server connected")

	case opencode.EventSessionIdle:
		b.mu.Lock()
		task := b.currentPrompt
		b.mu.Unlock()
		if task != nil {
			select {
			case task.idleCh <- struct{}{}:
			default:
			}
		}

	case opencode.EventSessionError:
		var props opencode.SessionErrorProperties
		_ = json.Unmarshal(e.Properties, &props)
		msg := props.Error.Message()
		if msg == "" {
			msg = "agent session error"
		}
		b.mu.Lock()
		task := b.currentPrompt
		b.mu.Unlock()
		if task != nil {
			select {
			case task.errCh <- msg:
			default:
			}
			return
		}
		b.SendEvent(Event{"type": EventError, "error": msg})

	case opencode.EventMessagePartUpdated:
		if delta := extractTextDelta(e.Properties); delta != "" {
			b.SendEvent(Event{"type": EventToken, "content": delta})
		}
	}
}

// extractTextDelta pulls streamed text out of a message.part.updated event.
func extractTextDelta(props json.RawMessage) string {
	if len(props) == 0 {
		return ""
	}
	var payload struct {
		Part struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"part"`
	}
	if err := json.Unmarshal(props, &payload); err != nil {
		return ""
	}
	if payload.Part.Type != "text" {
		return ""
	}
	return payload.Part.Text
}

// PendingAckCount reports unacknowledged critical events, used by the
// supervisor's shutdown logging.
func (b *Bridge) PendingAckCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pendingAcks)
}

// BufferedEventCount reports events awaiting a socket.
func (b *Bridge) BufferedEventCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Len()
}
