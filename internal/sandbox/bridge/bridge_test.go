package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/openinspect/openinspect/internal/common/logger"
	"github.com/openinspect/openinspect/pkg/opencode"
)

type fakeConn struct {
	mu        sync.Mutex
	written   []Event
	open      bool
	failAfter int // fail writes once this many succeeded; -1 never
}

func newFakeConn() *fakeConn {
	return &fakeConn{open: true, failAfter: -1}
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return errors.New("write on closed conn")
	}
	if c.failAfter >= 0 && len(c.written) >= c.failAfter {
		c.open = false
		return errors.New("simulated write failure")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected write type %T", v)
	}
	copied := make(Event, len(m))
	for k, val := range m {
		copied[k] = val
	}
	c.written = append(c.written, copied)
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.written))
	copy(out, c.written)
	return out
}

type fakeAgent struct {
	mu          sync.Mutex
	prompts     []string
	aborts      int
	promptErr   error
	promptCalls chan string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{promptCalls: make(chan string, 10)}
}

func (a *fakeAgent) CreateSession(ctx context.Context) (string, error) { return "ag-session", nil }

func (a *fakeAgent) SendPrompt(ctx context.Context, sessionID, prompt string) error {
	a.mu.Lock()
	a.prompts = append(a.prompts, prompt)
	err := a.promptErr
	a.mu.Unlock()
	a.promptCalls <- prompt
	return err
}

func (a *fakeAgent) Abort(ctx context.Context, sessionID string) {
	a.mu.Lock()
	a.aborts++
	a.mu.Unlock()
}

func (a *fakeAgent) StreamEvents(ctx context.Context, handler func(*opencode.EventEnvelope)) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestBridge(t *testing.T) (*Bridge, *fakeAgent) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	agent := newFakeAgent()
	b := New(Config{
		SandboxID:       "sb-1",
		SessionID:       "sess-1",
		ControlPlaneURL: "ws://cp.internal",
		AuthToken:       "tok",
	}, agent, log)
	b.agentSessionID = "ag-session"
	return b, agent
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSendEventBuffersWithoutConn(t *testing.T) {
	b, _ := newTestBridge(t)

	b.SendEvent(Event{"type": EventToken, "content": "x"})

	if b.BufferedEventCount() != 1 {
		t.Errorf("expected 1 buffered event, got %d", b.BufferedEventCount())
	}
	if b.PendingAckCount() != 0 {
		t.Error("buffered event must not register a pending ack")
	}
}

func TestSendEventWritesAndTracksCritical(t *testing.T) {
	b, _ := newTestBridge(t)
	conn := newFakeConn()
	b.conn = conn

	b.SendEvent(Event{"type": EventSetupComplete})
	b.SendEvent(Event{"type": EventToken, "content": "x"})

	events := conn.events()
	if len(events) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(events))
	}
	if events[0]["sandboxId"] != "sb-1" || events[0]["timestamp"] == nil {
		t.Errorf("event not stamped: %v", events[0])
	}
	if events[0].AckID() == "" {
		t.Error("critical event missing ackId")
	}
	if events[1].AckID() != "" {
		t.Error("non-critical event must not get an ackId")
	}
	if b.PendingAckCount() != 1 {
		t.Errorf("expected 1 pending ack, got %d", b.PendingAckCount())
	}
}

func TestSendEventPreservesExistingAckID(t *testing.T) {
	b, _ := newTestBridge(t)
	conn := newFakeConn()
	b.conn = conn

	b.SendEvent(Event{"type": EventError, "ackId": "error:preset"})

	if got := conn.events()[0].AckID(); got != "error:preset" {
		t.Errorf("ackId overwritten: %q", got)
	}
	b.mu.Lock()
	_, ok := b.pendingAcks["error:preset"]
	b.mu.Unlock()
	if !ok {
		t.Error("pending ack not registered under preset id")
	}
}

func TestSendEventWriteFailureBuffersWithoutPendingAck(t *testing.T) {
	b, _ := newTestBridge(t)
	conn := newFakeConn()
	conn.failAfter = 0
	b.conn = conn

	b.SendEvent(Event{"type": EventSnapshotReady})

	if b.BufferedEventCount() != 1 {
		t.Errorf("failed write should buffer the event")
	}
	if b.PendingAckCount() != 0 {
		t.Error("failed write must not register a pending ack")
	}
}

func TestReconnectFlushSequencing(t *testing.T) {
	b, _ := newTestBridge(t)

	// Buffered while disconnected: one critical, one not.
	b.SendEvent(Event{"type": EventWorkspaceReady})
	b.SendEvent(Event{"type": EventToken, "content": "t"})

	// Left over from a previous socket, still unacknowledged.
	stale := Event{"type": EventPushComplete, "ackId": "push_complete:old"}
	b.mu.Lock()
	b.pendingAcks["push_complete:old"] = stale
	b.mu.Unlock()

	conn := newFakeConn()
	b.mu.Lock()
	b.conn = conn
	sent := b.flushEventBufferLocked(conn)
	b.flushPendingAcksLocked(conn, sent)
	b.mu.Unlock()

	events := conn.events()
	if len(events) != 3 {
		t.Fatalf("expected 3 writes, got %d: %v", len(events), events)
	}
	if events[0].Type() != EventWorkspaceReady || events[1].Type() != EventToken {
		t.Errorf("buffer must flush first, FIFO: %v", events)
	}
	if events[2].AckID() != "push_complete:old" {
		t.Errorf("pending ack must flush after buffer: %v", events[2])
	}

	// The freshly flushed critical event must not have been written twice.
	count := 0
	for _, e := range events {
		if e.Type() == EventWorkspaceReady {
			count++
		}
	}
	if count != 1 {
		t.Errorf("skip set failed: workspace_ready written %d times", count)
	}

	// Re-sending pending entries does not remove them.
	if b.PendingAckCount() != 2 {
		t.Errorf("expected 2 pending acks, got %d", b.PendingAckCount())
	}
}

func TestBufferFlushStopsOnFirstFailure(t *testing.T) {
	b, _ := newTestBridge(t)

	b.SendEvent(Event{"type": EventToken, "seq": 1})
	b.SendEvent(Event{"type": EventToken, "seq": 2})
	b.SendEvent(Event{"type": EventToken, "seq": 3})

	conn := newFakeConn()
	conn.failAfter = 1
	b.mu.Lock()
	b.flushEventBufferLocked(conn)
	b.mu.Unlock()

	if len(conn.events()) != 1 {
		t.Errorf("expected 1 successful write, got %d", len(conn.events()))
	}
	if b.BufferedEventCount() != 2 {
		t.Errorf("expected 2 events back in buffer, got %d", b.BufferedEventCount())
	}
}

func TestAckCommandRemovesPending(t *testing.T) {
	b, _ := newTestBridge(t)
	b.mu.Lock()
	b.pendingAcks["error:m1"] = Event{"type": EventError, "ackId": "error:m1"}
	b.mu.Unlock()

	b.handleCommand(context.Background(), []byte(`{"type":"ack","ackId":"error:m1"}`))
	if b.PendingAckCount() != 0 {
		t.Error("ack should remove the pending entry")
	}

	// Unknown ackId and missing ackId are no-ops.
	b.handleCommand(context.Background(), []byte(`{"type":"ack","ackId":"nope"}`))
	b.handleCommand(context.Background(), []byte(`{"type":"ack"}`))
}

func TestUnknownCommandIgnored(t *testing.T) {
	b, _ := newTestBridge(t)
	b.handleCommand(context.Background(), []byte(`{"type":"mystery","x":1}`))
	b.handleCommand(context.Background(), []byte(`not json`))
}

func TestPromptLifecycleSuccess(t *testing.T) {
	b, agent := newTestBridge(t)

	b.startPrompt(context.Background(), "msg-1", "do the thing")

	select {
	case p := <-agent.promptCalls:
		if p != "do the thing" {
			t.Errorf("prompt content = %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("prompt never reached agent")
	}

	// Agent goes idle: the task completes successfully.
	b.handleAgentEvent(&opencode.EventEnvelope{Type: opencode.EventSessionIdle})

	waitFor(t, func() bool { return b.BufferedEventCount() > 0 }, "no completion event emitted")

	b.mu.Lock()
	events := b.buffer.TakeAll()
	b.mu.Unlock()

	var completion Event
	for _, e := range events {
		if e.Type() == EventExecutionComplete {
			completion = e
		}
	}
	if completion == nil {
		t.Fatalf("no execution_complete in %v", events)
	}
	if completion["messageId"] != "msg-1" || completion["success"] != true {
		t.Errorf("unexpected completion: %v", completion)
	}
	if completion.AckID() != "execution_complete:msg-1" {
		t.Errorf("completion ackId = %q", completion.AckID())
	}
}

func TestStopCancelsPromptAndAborts(t *testing.T) {
	b, agent := newTestBridge(t)

	b.startPrompt(context.Background(), "msg-1", "long running")
	<-agent.promptCalls

	b.stopPrompt(context.Background())

	waitFor(t, func() bool { return b.BufferedEventCount() > 0 }, "no completion after stop")

	b.mu.Lock()
	events := b.buffer.TakeAll()
	b.mu.Unlock()

	var completion Event
	for _, e := range events {
		if e.Type() == EventExecutionComplete {
			completion = e
		}
	}
	if completion == nil {
		t.Fatal("cancelled prompt must still emit execution_complete")
	}
	if completion["success"] != false {
		t.Errorf("cancelled prompt should report success=false: %v", completion)
	}

	agent.mu.Lock()
	aborts := agent.aborts
	agent.mu.Unlock()
	if aborts != 1 {
		t.Errorf("expected 1 agent abort, got %d", aborts)
	}
}

func TestStopWithoutPromptIsSafe(t *testing.T) {
	b, agent := newTestBridge(t)
	b.stopPrompt(context.Background())

	agent.mu.Lock()
	aborts := agent.aborts
	agent.mu.Unlock()
	if aborts != 1 {
		t.Errorf("stop should still issue a best-effort abort, got %d", aborts)
	}
}

func TestNewerPromptSurvivesOlderCompletion(t *testing.T) {
	b, agent := newTestBridge(t)

	b.startPrompt(context.Background(), "msg-1", "first")
	<-agent.promptCalls
	b.mu.Lock()
	first := b.currentPrompt
	b.mu.Unlock()

	b.startPrompt(context.Background(), "msg-2", "second")
	<-agent.promptCalls

	// Finish the first task by cancelling it directly.
	first.cancel()
	waitFor(t, func() bool { return first.isDone() }, "first task never finished")

	// Give the completion path a moment to (incorrectly) clear the slot.
	time.Sleep(50 * time.Millisecond)

	b.mu.Lock()
	current := b.currentPrompt
	b.mu.Unlock()
	if current == nil || current.messageID != "msg-2" {
		t.Errorf("older completion must not clear the newer task, current = %+v", current)
	}
}

type fakeDialer struct {
	err   error
	conns chan Conn
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	select {
	case c := <-d.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunTerminatesOnFatalRejection(t *testing.T) {
	b, _ := newTestBridge(t)
	b.dialer = &fakeDialer{err: errors.New("server rejected websocket connection: HTTP 403: websocket: bad handshake")}

	err := b.Run(context.Background())
	var terminated *SessionTerminatedError
	if !errors.As(err, &terminated) {
		t.Fatalf("expected SessionTerminatedError, got %v", err)
	}
	if terminated.Status != "HTTP 403" {
		t.Errorf("status = %q", terminated.Status)
	}
}

func TestRunExitsCleanlyOnShutdown(t *testing.T) {
	b, _ := newTestBridge(t)
	b.dialer = &fakeDialer{conns: make(chan Conn)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("shutdown should return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit on shutdown")
	}
}

func TestPromptSubmissionErrorEmitsErrorAndCompletion(t *testing.T) {
	b, agent := newTestBridge(t)
	agent.promptErr = errors.New("agent exploded")

	b.startPrompt(context.Background(), "msg-1", "boom")
	<-agent.promptCalls

	waitFor(t, func() bool { return b.BufferedEventCount() >= 2 }, "expected error and completion events")

	b.mu.Lock()
	events := b.buffer.TakeAll()
	b.mu.Unlock()

	var sawError, sawCompletion bool
	for _, e := range events {
		switch e.Type() {
		case EventError:
			sawError = true
		case EventExecutionComplete:
			sawCompletion = true
			if e["success"] != false {
				t.Errorf("failed prompt should report success=false")
			}
		}
	}
	if !sawError || !sawCompletion {
		t.Errorf("events missing: error=%v completion=%v", sawError, sawCompletion)
	}
}
