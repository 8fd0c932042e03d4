package session

import (
	"context"
	"time"

	"github.com/square-key-labs/voiceline-ai/src/events"
)

// Status is the lifecycle state of a call session
type Status int

const (
	// StatusIdle means no call is in progress; the controller is ready for StartCall
	StatusIdle Status = iota
	// StatusConnecting means the microphone and transport are being acquired
	StatusConnecting
	// StatusActive means the bidirectional transport and side-channel are negotiated
	StatusActive
	// StatusEnded means a call ran and was torn down; Reset re-arms the controller
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Transcript entry roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TranscriptEntry is one complete utterance by either party. Immutable once
// appended.
type TranscriptEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Snapshot is a point-in-time copy of the session state visible to callers.
// VolumeLevel and IsSpeaking are only meaningful while Status is Active and
// are forced to 0/false otherwise.
type Snapshot struct {
	Status         Status
	Transcript     []TranscriptEntry
	ElapsedSeconds int
	VolumeLevel    float64
	IsSpeaking     bool
	Err            *CallError
}

// Config holds the controller's timing and protocol parameters
type Config struct {
	// Deadline is the hard call-duration cap. The session is torn down when it
	// elapses regardless of in-progress speech.
	Deadline time.Duration

	// HangupGrace is the delay between detecting an agent-initiated hangup and
	// tearing down, so the agent's trailing sentence can finish playing.
	HangupGrace time.Duration

	// TickInterval is the elapsed-time tick period.
	TickInterval time.Duration

	// HangupFunction is the function name that, when invoked in a completed
	// response, triggers the grace-delayed hangup.
	HangupFunction string
}

// DefaultConfig returns the reference configuration
func DefaultConfig() Config {
	return Config{
		Deadline:       120 * time.Second,
		HangupGrace:    500 * time.Millisecond,
		TickInterval:   time.Second,
		HangupFunction: "end_call",
	}
}

// StartOptions are the per-call options for StartCall
type StartOptions struct {
	// Token is the ephemeral credential for the remote endpoint. When empty
	// the controller fetches one itself via its CredentialSource.
	Token string

	// Greeting, when non-empty, is spoken by the agent as soon as the session
	// is ready, seeding the conversation.
	Greeting string
}

// AudioSource delivers inbound PCM audio for analysis. ReadPCM blocks until a
// frame of decoded samples is available or the source is closed.
type AudioSource interface {
	ReadPCM() ([]int16, error)
	SampleRate() int
}

// Handler receives transport callbacks. The controller funnels every callback
// into its single inbound event queue so the state machine has one
// synchronous entry point per event.
type Handler interface {
	// OnMessage delivers one discrete side-channel message.
	OnMessage(data []byte)

	// OnTrack delivers the inbound media stream once the transport receives
	// the first remote audio track.
	OnTrack(src AudioSource)

	// OnDisconnect signals that the remote peer or the transport closed the
	// connection.
	OnDisconnect(err error)
}

// Transport is the bidirectional peer connection plus its control
// side-channel. Connect blocks until the handshake completes or fails.
type Transport interface {
	Connect(ctx context.Context, token string, h Handler) error
	Send(event events.ClientEvent) error
	Close() error
}

// Microphone is the exclusive capture resource for a call. Open may fail with
// ErrPermissionDenied.
type Microphone interface {
	Open(ctx context.Context) error
	Close() error
}

// CredentialSource mints an ephemeral, time-boxed authentication token. The
// token is opaque, must never be logged and is used exactly once.
type CredentialSource interface {
	EphemeralToken(ctx context.Context) (string, error)
}

// LevelAnalyzer samples inbound audio and publishes a normalized amplitude in
// [0,1]. The loop must stop the instant Stop is called; Stop is safe to call
// without a prior Start.
type LevelAnalyzer interface {
	Start(ctx context.Context, src AudioSource, publish func(float64)) error
	Stop()
}
