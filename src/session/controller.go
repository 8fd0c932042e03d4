package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/square-key-labs/voiceline-ai/src/events"
	"github.com/square-key-labs/voiceline-ai/src/logger"
)

// Deps are the resources a Controller orchestrates. Microphone and Transport
// Close methods must tolerate being called when nothing was acquired;
// teardown relies on that to stay idempotent.
type Deps struct {
	Microphone  Microphone
	Transport   Transport
	Levels      LevelAnalyzer
	Credentials CredentialSource // optional when tokens are supplied per call
}

// Controller owns the call lifecycle state machine: Idle -> Connecting ->
// Active -> Ended -> (reset) -> Idle. At most one call is live at a time; all
// resource handles are exclusively owned by the current call and released
// together on any exit path.
type Controller struct {
	cfg Config
	log *logger.Logger

	mic       Microphone
	transport Transport
	levels    LevelAnalyzer
	creds     CredentialSource

	mu         sync.Mutex
	status     Status
	transcript []TranscriptEntry
	elapsed    int
	volume     float64
	speaking   bool
	lastErr    *CallError
	call       *activeCall
}

// NewController creates a controller in the Idle state
func NewController(cfg Config, deps Deps) *Controller {
	return &Controller{
		cfg:       cfg,
		log:       logger.WithPrefix("Session"),
		mic:       deps.Microphone,
		transport: deps.Transport,
		levels:    deps.Levels,
		creds:     deps.Credentials,
		status:    StatusIdle,
	}
}

// activeCall bundles the resources owned by one call. The once gate makes
// teardown idempotent: the first caller wins, later callers observe a no-op.
type activeCall struct {
	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan inboundMessage
	interp *interpreter
	once   sync.Once
	wg     sync.WaitGroup

	graceMu sync.Mutex
	grace   *time.Timer
}

func (call *activeCall) stopGrace() {
	call.graceMu.Lock()
	defer call.graceMu.Unlock()
	if call.grace != nil {
		call.grace.Stop()
	}
}

type inboundKind int

const (
	kindMessage inboundKind = iota
	kindTrack
	kindDisconnect
)

// inboundMessage is one entry in the call's single inbound event queue. All
// transport callbacks funnel through it so the state machine has one
// synchronous entry point per event.
type inboundMessage struct {
	kind inboundKind
	data []byte
	src  AudioSource
	err  error
}

// StartCall transitions Idle -> Connecting -> Active. It clears the prior
// transcript and error, acquires the microphone, fetches a credential when
// none is supplied and negotiates the transport. Any setup failure returns
// the session to Idle with every resource released and the error published on
// the session; the same error is also returned.
func (c *Controller) StartCall(ctx context.Context, opts StartOptions) error {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusActive {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	c.status = StatusConnecting
	c.transcript = nil
	c.lastErr = nil
	c.elapsed = 0
	c.volume = 0
	c.speaking = false

	callCtx, cancel := context.WithCancel(context.Background())
	call := &activeCall{
		ctx:    callCtx,
		cancel: cancel,
		inbox:  make(chan inboundMessage, 256),
	}
	call.interp = newInterpreter(&controllerSink{c: c, call: call}, opts.Greeting, c.cfg.HangupFunction, c.log)
	c.call = call
	c.mu.Unlock()

	if err := c.mic.Open(ctx); err != nil {
		return c.failStart(call, "microphone", err)
	}

	token := opts.Token
	if token == "" {
		if c.creds == nil {
			return c.failStart(call, "credentials", errors.New("no credential source configured"))
		}
		fetched, err := c.creds.EphemeralToken(ctx)
		if err != nil {
			return c.failStart(call, "credentials", err)
		}
		token = fetched
	}

	if err := c.transport.Connect(ctx, token, &callHandler{call: call}); err != nil {
		return c.failStart(call, "handshake", err)
	}

	c.mu.Lock()
	if c.call != call || call.ctx.Err() != nil {
		// Torn down (Reset or EndCall) while the handshake was in flight.
		// Teardown's once already ran, so release what Connect acquired
		// afterwards and leave the status teardown decided.
		c.mu.Unlock()
		if err := c.transport.Close(); err != nil {
			c.log.Warn("transport close: %v", err)
		}
		c.log.Info("call torn down during handshake")
		return nil
	}
	c.status = StatusActive
	c.elapsed = 0
	c.mu.Unlock()
	c.log.Info("call active, deadline in %s", c.cfg.Deadline)

	call.wg.Add(1)
	go c.run(call)
	return nil
}

// failStart releases everything and returns the session to Idle. A failed
// attempt is not a call that ended; it never started.
func (c *Controller) failStart(call *activeCall, stage string, err error) error {
	c.teardown(call)
	callErr := classifyStartError(stage, err)

	c.mu.Lock()
	c.status = StatusIdle
	c.lastErr = callErr
	c.call = nil
	c.mu.Unlock()

	c.log.Error("call setup failed at %s: %v", stage, err)
	return callErr
}

// run is the call's single event consumer: side-channel messages, track
// arrival, disconnects and both timers all resolve here, one at a time.
func (c *Controller) run(call *activeCall) {
	defer call.wg.Done()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.cfg.Deadline)
	defer deadline.Stop()

	for {
		select {
		case <-call.ctx.Done():
			return

		case m := <-call.inbox:
			switch m.kind {
			case kindMessage:
				call.interp.handleMessage(m.data)
			case kindTrack:
				c.startLevels(call, m.src)
			case kindDisconnect:
				c.log.Info("server disconnected: %v", m.err)
				c.finish(call)
				return
			}

		case <-ticker.C:
			c.mu.Lock()
			if c.status == StatusActive {
				c.elapsed++
			}
			c.mu.Unlock()

		case <-deadline.C:
			c.log.Info("call deadline reached, ending call")
			c.finish(call)
			return
		}
	}
}

// startLevels attaches the level analyzer to the first inbound media track.
// The analyzer's loop is tied to the call context so teardown cancels it with
// everything else.
func (c *Controller) startLevels(call *activeCall, src AudioSource) {
	if c.levels == nil || src == nil {
		return
	}
	publish := func(v float64) {
		c.mu.Lock()
		if c.status == StatusActive {
			c.volume = v
		}
		c.mu.Unlock()
	}
	if err := c.levels.Start(call.ctx, src, publish); err != nil {
		c.log.Warn("level analyzer failed to start: %v", err)
	}
}

// EndCall ends the live call, if any. User end, server disconnect, the hard
// deadline and agent hangup all converge here or on finish directly; teardown
// idempotency makes the race between them safe.
func (c *Controller) EndCall() {
	c.mu.Lock()
	call := c.call
	c.mu.Unlock()
	if call == nil {
		return
	}
	c.finish(call)
}

// Reset forces teardown regardless of state, then re-arms for a new StartCall.
func (c *Controller) Reset() {
	c.mu.Lock()
	call := c.call
	c.mu.Unlock()

	if call != nil {
		c.teardown(call)
		call.wg.Wait()
	}

	c.mu.Lock()
	c.call = nil
	c.status = StatusIdle
	c.transcript = nil
	c.lastErr = nil
	c.elapsed = 0
	c.volume = 0
	c.speaking = false
	c.mu.Unlock()
}

// finish tears down and marks the session Ended exactly once.
func (c *Controller) finish(call *activeCall) {
	c.teardown(call)

	c.mu.Lock()
	if c.call == call && (c.status == StatusActive || c.status == StatusConnecting) {
		c.status = StatusEnded
	}
	c.mu.Unlock()
}

// teardown cancels all timers, stops the level loop, closes the transport and
// releases the microphone. Safe to invoke any number of times.
func (c *Controller) teardown(call *activeCall) {
	call.once.Do(func() {
		call.cancel()
		call.stopGrace()
		if c.levels != nil {
			c.levels.Stop()
		}
		if err := c.transport.Close(); err != nil {
			c.log.Warn("transport close: %v", err)
		}
		if err := c.mic.Close(); err != nil {
			c.log.Warn("microphone close: %v", err)
		}

		c.mu.Lock()
		c.volume = 0
		c.speaking = false
		c.mu.Unlock()
	})
}

// Snapshot returns a point-in-time copy of the session state. VolumeLevel and
// IsSpeaking read as zero values outside Active.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	transcript := make([]TranscriptEntry, len(c.transcript))
	copy(transcript, c.transcript)

	snap := Snapshot{
		Status:         c.status,
		Transcript:     transcript,
		ElapsedSeconds: c.elapsed,
		Err:            c.lastErr,
	}
	if c.status == StatusActive {
		snap.VolumeLevel = c.volume
		snap.IsSpeaking = c.speaking
	}
	return snap
}

// Status returns the current lifecycle state
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// controllerSink lets the interpreter mutate session state through the
// controller's lock and timers.
type controllerSink struct {
	c    *Controller
	call *activeCall
}

func (s *controllerSink) appendTranscript(entry TranscriptEntry) {
	s.c.mu.Lock()
	s.c.transcript = append(s.c.transcript, entry)
	s.c.mu.Unlock()
}

func (s *controllerSink) setSpeaking(speaking bool) {
	s.c.mu.Lock()
	if s.c.status == StatusActive {
		s.c.speaking = speaking
	}
	s.c.mu.Unlock()
}

// scheduleHangup arms the grace timer so the agent's trailing sentence can
// finish playing before the audio pipeline is torn down.
func (s *controllerSink) scheduleHangup() {
	s.call.graceMu.Lock()
	defer s.call.graceMu.Unlock()
	if s.call.grace != nil {
		return
	}
	c, call := s.c, s.call
	s.call.grace = time.AfterFunc(c.cfg.HangupGrace, func() {
		c.finish(call)
	})
}

func (s *controllerSink) send(event events.ClientEvent) error {
	return s.c.transport.Send(event)
}

// callHandler funnels transport callbacks into the call's inbound queue
type callHandler struct {
	call *activeCall
}

func (h *callHandler) OnMessage(data []byte) {
	h.enqueue(inboundMessage{kind: kindMessage, data: data})
}

func (h *callHandler) OnTrack(src AudioSource) {
	h.enqueue(inboundMessage{kind: kindTrack, src: src})
}

func (h *callHandler) OnDisconnect(err error) {
	h.enqueue(inboundMessage{kind: kindDisconnect, err: err})
}

func (h *callHandler) enqueue(m inboundMessage) {
	select {
	case h.call.inbox <- m:
	case <-h.call.ctx.Done():
	}
}
