package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/square-key-labs/voiceline-ai/src/events"
)

type fakeMic struct {
	mu      sync.Mutex
	openErr error
	opens   int
	closes  int
}

func (m *fakeMic) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	return m.openErr
}

func (m *fakeMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *fakeMic) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	handler    Handler
	sent       []events.ClientEvent
	closes     int
}

func (t *fakeTransport) Connect(ctx context.Context, token string, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return t.connectErr
	}
	t.handler = h
	return nil
}

func (t *fakeTransport) Send(event events.ClientEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, event)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeTransport) currentHandler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *fakeTransport) sentEvents() []events.ClientEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]events.ClientEvent, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

type fakeLevels struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (l *fakeLevels) Start(ctx context.Context, src AudioSource, publish func(float64)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts++
	return nil
}

func (l *fakeLevels) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops++
}

func (l *fakeLevels) stopCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stops
}

func testConfig() Config {
	return Config{
		Deadline:       2 * time.Second,
		HangupGrace:    50 * time.Millisecond,
		TickInterval:   10 * time.Millisecond,
		HangupFunction: "end_call",
	}
}

func newTestController(cfg Config, mic *fakeMic, tr *fakeTransport, levels *fakeLevels) *Controller {
	return NewController(cfg, Deps{
		Microphone: mic,
		Transport:  tr,
		Levels:     levels,
	})
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func deliver(t *testing.T, tr *fakeTransport, v map[string]interface{}) {
	t.Helper()
	h := tr.currentHandler()
	if h == nil {
		t.Fatalf("transport has no handler; call not connected")
	}
	h.OnMessage(msg(t, v))
}

func TestStartCallMicPermissionDenied(t *testing.T) {
	mic := &fakeMic{openErr: fmt.Errorf("capture device: %w", ErrPermissionDenied)}
	tr := &fakeTransport{}
	c := newTestController(testConfig(), mic, tr, &fakeLevels{})

	err := c.StartCall(context.Background(), StartOptions{Token: "tok"})
	if err == nil {
		t.Fatalf("StartCall succeeded with a denied microphone")
	}
	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.Category != CategoryPermissionDenied {
		t.Fatalf("err = %v, want CallError with permission_denied", err)
	}
	if got := c.Status(); got != StatusIdle {
		t.Fatalf("status after failed start = %v, want idle", got)
	}
	snap := c.Snapshot()
	if snap.Err == nil || snap.Err.Category != CategoryPermissionDenied {
		t.Fatalf("snapshot error = %v, want permission_denied", snap.Err)
	}
	if mic.closeCount() != 1 || tr.closeCount() != 1 {
		t.Fatalf("resources not released: mic closes=%d transport closes=%d", mic.closeCount(), tr.closeCount())
	}
}

func TestStartCallHandshakeFailure(t *testing.T) {
	tr := &fakeTransport{connectErr: errors.New("sdp exchange refused")}
	c := newTestController(testConfig(), &fakeMic{}, tr, &fakeLevels{})

	err := c.StartCall(context.Background(), StartOptions{Token: "tok"})
	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.Category != CategoryConnectionFailed {
		t.Fatalf("err = %v, want CallError with connection_failed", err)
	}
	if got := c.Status(); got != StatusIdle {
		t.Fatalf("status after failed handshake = %v, want idle", got)
	}
}

func TestStartCallWithoutCredentials(t *testing.T) {
	c := newTestController(testConfig(), &fakeMic{}, &fakeTransport{}, &fakeLevels{})

	err := c.StartCall(context.Background(), StartOptions{})
	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.Category != CategoryConnectionFailed {
		t.Fatalf("err = %v, want CallError with connection_failed", err)
	}
	if got := c.Status(); got != StatusIdle {
		t.Fatalf("status = %v, want idle", got)
	}
}

func TestStartCallWhileLive(t *testing.T) {
	c := newTestController(testConfig(), &fakeMic{}, &fakeTransport{}, &fakeLevels{})
	defer c.EndCall()

	if err := c.StartCall(context.Background(), StartOptions{Token: "tok"}); err != nil {
		t.Fatalf("first StartCall: %v", err)
	}
	if err := c.StartCall(context.Background(), StartOptions{Token: "tok"}); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("second StartCall err = %v, want ErrCallInProgress", err)
	}
	if got := c.Status(); got != StatusActive {
		t.Fatalf("first call disturbed: status = %v, want active", got)
	}
}

func TestEndCallIdempotent(t *testing.T) {
	mic := &fakeMic{}
	tr := &fakeTransport{}
	levels := &fakeLevels{}
	c := newTestController(testConfig(), mic, tr, levels)

	if err := c.StartCall(context.Background(), StartOptions{Token: "tok"}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	c.EndCall()
	c.EndCall()
	c.EndCall()

	if got := c.Status(); got != StatusEnded {
		t.Fatalf("status = %v, want ended", got)
	}
	if mic.closeCount() != 1 {
		t.Fatalf("microphone closed %d times, want 1", mic.closeCount())
	}
	if tr.closeCount() != 1 {
		t.Fatalf("transport closed %d times, want 1", tr.closeCount())
	}
	if levels.stopCount() != 1 {
		t.Fatalf("level analyzer stopped %d times, want 1", levels.stopCount())
	}
}

func TestDeadlineEndsCall(t *testing.T) {
	cfg := testConfig()
	cfg.Deadline = 150 * time.Millisecond
	c := newTestController(cfg, &fakeMic{}, &fakeTransport{}, &fakeLevels{})

	if err := c.StartCall(context.Background(), StartOptions{Token: "tok"}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := c.Status(); got != StatusActive {
		t.Fatalf("call ended before the deadline: status = %v", got)
	}
	waitFor(t, time.Second, "deadline teardown", func() bool {
		return c.Status() == StatusEnded
	})
}

func TestElapsedSecondsAdvance(t *testing.T) {
	c := newTestController(testConfig(), &fakeMic{}, &fakeTransport{}, &fakeLevels{})
	defer c.EndCall()

	if err := c.StartCall(context.Background(), StartOptions{Token: "tok"}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitFor(t, time.Second, "elapsed ticks", func() bool {
		return c.Snapshot().ElapsedSeconds >= 2
	})
}

func TestServerDisconnectEndsCall(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestController(testConfig(), &fakeMic{}, tr, &fakeLevels{})

	if err := c.StartCall(context.Background(), StartOptions{Token: "tok"}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	tr.currentHandler().OnDisconnect(io.EOF)
	waitFor(t, time.Second, "disconnect teardown", func() bool {
		return c.Status() == StatusEnded
	})
}

func TestGreetingAndTranscriptFlow(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestController(testConfig(), &fakeMic{}, tr, &fakeLevels{})
	defer c.EndCall()

	if err := c.StartCall(context.Background(), StartOptions{Token: "tok", Greeting: "Welcome to Acme."}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	deliver(t, tr, map[string]interface{}{"type": "session.created"})
	waitFor(t, time.Second, "greeting seed", func() bool {
		sent := tr.sentEvents()
		return len(sent) == 1 && sent[0]["type"] == events.TypeResponseCreate
	})

	deliver(t, tr, map[string]interface{}{"type": "response.created"})
	waitFor(t, time.Second, "speaking on", func() bool {
		return c.Snapshot().IsSpeaking
	})

	deliver(t, tr, map[string]interface{}{"type": "response.audio_transcript.delta", "delta": "Welcome "})
	deliver(t, tr, map[string]interface{}{"type": "response.audio_transcript.delta", "delta": "to Acme."})
	deliver(t, tr, map[string]interface{}{"type": "response.audio_transcript.done"})
	deliver(t, tr, map[string]interface{}{"type": "response.done"})

	want := []TranscriptEntry{{Role: RoleAssistant, Text: "Welcome to Acme."}}
	waitFor(t, time.Second, "assistant utterance", func() bool {
		return reflect.DeepEqual(c.Snapshot().Transcript, want)
	})
	waitFor(t, time.Second, "speaking off", func() bool {
		return !c.Snapshot().IsSpeaking
	})
}

func TestAgentHangupGraceWindow(t *testing.T) {
	cfg := testConfig()
	cfg.HangupGrace = 150 * time.Millisecond
	tr := &fakeTransport{}
	c := newTestController(cfg, &fakeMic{}, tr, &fakeLevels{})

	if err := c.StartCall(context.Background(), StartOptions{Token: "tok"}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	deliver(t, tr, map[string]interface{}{
		"type": "response.done",
		"response": map[string]interface{}{
			"output": []map[string]interface{}{
				{"type": "function_call", "name": "end_call", "call_id": "call_1"},
			},
		},
	})

	time.Sleep(50 * time.Millisecond)
	if got := c.Status(); got != StatusActive {
		t.Fatalf("call ended before the grace window elapsed: status = %v", got)
	}

	// A trailing assistant utterance completed inside the window still lands.
	deliver(t, tr, map[string]interface{}{"type": "response.audio_transcript.delta", "delta": "Goodbye "})
	deliver(t, tr, map[string]interface{}{"type": "response.audio_transcript.delta", "delta": "for now!"})
	deliver(t, tr, map[string]interface{}{"type": "response.audio_transcript.done"})
	want := []TranscriptEntry{{Role: RoleAssistant, Text: "Goodbye for now!"}}
	waitFor(t, time.Second, "trailing utterance", func() bool {
		return reflect.DeepEqual(c.Snapshot().Transcript, want)
	})

	waitFor(t, time.Second, "grace teardown", func() bool {
		return c.Status() == StatusEnded
	})
}

func TestQuiescentOutsideActive(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestController(testConfig(), &fakeMic{}, tr, &fakeLevels{})

	snap := c.Snapshot()
	if snap.VolumeLevel != 0 || snap.IsSpeaking {
		t.Fatalf("idle snapshot not quiescent: %+v", snap)
	}

	if err := c.StartCall(context.Background(), StartOptions{Token: "tok"}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	deliver(t, tr, map[string]interface{}{"type": "response.created"})
	waitFor(t, time.Second, "speaking on", func() bool {
		return c.Snapshot().IsSpeaking
	})

	c.EndCall()
	snap = c.Snapshot()
	if snap.Status != StatusEnded {
		t.Fatalf("status = %v, want ended", snap.Status)
	}
	if snap.VolumeLevel != 0 || snap.IsSpeaking {
		t.Fatalf("ended snapshot not quiescent: %+v", snap)
	}
}

func TestResetReturnsToIdle(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestController(testConfig(), &fakeMic{}, tr, &fakeLevels{})

	if err := c.StartCall(context.Background(), StartOptions{Token: "tok"}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	deliver(t, tr, map[string]interface{}{"type": "conversation.item.input_audio_transcription.completed", "transcript": "hello"})
	waitFor(t, time.Second, "transcript entry", func() bool {
		return len(c.Snapshot().Transcript) == 1
	})

	c.EndCall()
	c.Reset()

	snap := c.Snapshot()
	if snap.Status != StatusIdle {
		t.Fatalf("status after reset = %v, want idle", snap.Status)
	}
	if len(snap.Transcript) != 0 || snap.Err != nil || snap.ElapsedSeconds != 0 {
		t.Fatalf("reset left state behind: %+v", snap)
	}

	// The controller accepts a fresh call after reset.
	if err := c.StartCall(context.Background(), StartOptions{Token: "tok"}); err != nil {
		t.Fatalf("StartCall after reset: %v", err)
	}
	c.EndCall()
}

// blockingTransport parks Connect until released, exposing the window where
// the controller is suspended in the handshake.
type blockingTransport struct {
	fakeTransport
	release chan struct{}
}

func (t *blockingTransport) Connect(ctx context.Context, token string, h Handler) error {
	<-t.release
	return t.fakeTransport.Connect(ctx, token, h)
}

func TestResetDuringHandshake(t *testing.T) {
	tr := &blockingTransport{release: make(chan struct{})}
	c := NewController(testConfig(), Deps{Microphone: &fakeMic{}, Transport: tr, Levels: &fakeLevels{}})

	done := make(chan error, 1)
	go func() {
		done <- c.StartCall(context.Background(), StartOptions{Token: "tok"})
	}()

	waitFor(t, time.Second, "connecting status", func() bool {
		return c.Status() == StatusConnecting
	})
	c.Reset()
	if got := c.Status(); got != StatusIdle {
		t.Fatalf("status after reset = %v, want idle", got)
	}

	close(tr.release)
	if err := <-done; err != nil {
		t.Fatalf("StartCall after reset: %v", err)
	}

	// The late handshake must not resurrect the session.
	if got := c.Status(); got != StatusIdle {
		t.Fatalf("status after late handshake = %v, want idle", got)
	}
	c.EndCall()
	if got := c.Status(); got != StatusIdle {
		t.Fatalf("status after stray EndCall = %v, want idle", got)
	}
	// Teardown closed once during reset, once for what Connect acquired late.
	if got := tr.closeCount(); got != 2 {
		t.Fatalf("transport closed %d times, want 2", got)
	}
}

func TestEndCallDuringHandshake(t *testing.T) {
	tr := &blockingTransport{release: make(chan struct{})}
	c := NewController(testConfig(), Deps{Microphone: &fakeMic{}, Transport: tr, Levels: &fakeLevels{}})

	done := make(chan error, 1)
	go func() {
		done <- c.StartCall(context.Background(), StartOptions{Token: "tok"})
	}()

	waitFor(t, time.Second, "connecting status", func() bool {
		return c.Status() == StatusConnecting
	})
	c.EndCall()

	close(tr.release)
	if err := <-done; err != nil {
		t.Fatalf("StartCall after end: %v", err)
	}
	if got := c.Status(); got != StatusEnded {
		t.Fatalf("status after late handshake = %v, want ended", got)
	}
}

func TestResetDuringActiveForcesTeardown(t *testing.T) {
	mic := &fakeMic{}
	tr := &fakeTransport{}
	c := newTestController(testConfig(), mic, tr, &fakeLevels{})

	if err := c.StartCall(context.Background(), StartOptions{Token: "tok"}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	c.Reset()

	if got := c.Status(); got != StatusIdle {
		t.Fatalf("status after reset = %v, want idle", got)
	}
	if mic.closeCount() != 1 || tr.closeCount() != 1 {
		t.Fatalf("resources not released: mic closes=%d transport closes=%d", mic.closeCount(), tr.closeCount())
	}
}
