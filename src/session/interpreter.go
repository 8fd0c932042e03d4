package session

import (
	"strings"

	"github.com/square-key-labs/voiceline-ai/src/events"
	"github.com/square-key-labs/voiceline-ai/src/logger"
)

// interpreterSink is what the interpreter drives as it consumes the
// side-channel stream. The controller implements it; tests substitute fakes.
type interpreterSink interface {
	appendTranscript(entry TranscriptEntry)
	setSpeaking(speaking bool)
	scheduleHangup()
	send(event events.ClientEvent) error
}

// interpreter consumes side-channel messages in arrival order and derives
// transcript entries, the speaking flag and function-triggered termination.
// It is driven from the controller's run loop only, so it needs no locking.
type interpreter struct {
	sink           interpreterSink
	greeting       string
	hangupFunction string
	log            *logger.Logger

	// In-progress assistant utterance. Fragments are concatenated in arrival
	// order and only materialized at the explicit done boundary.
	pending []string
}

func newInterpreter(sink interpreterSink, greeting, hangupFunction string, log *logger.Logger) *interpreter {
	return &interpreter{
		sink:           sink,
		greeting:       greeting,
		hangupFunction: hangupFunction,
		log:            log,
	}
}

// handleMessage processes one raw side-channel message. A malformed message
// is dropped; it never aborts the session.
func (i *interpreter) handleMessage(data []byte) {
	event, err := events.ParseServerEvent(data)
	if err != nil {
		i.log.Warn("dropping malformed side-channel message: %v", err)
		return
	}
	i.handleEvent(event)
}

func (i *interpreter) handleEvent(event *events.ServerEvent) {
	switch event.Type {
	case events.TypeSessionCreated:
		i.seedGreeting()

	case events.TypeResponseAudioTranscriptDelta:
		i.pending = append(i.pending, event.Delta)

	case events.TypeResponseAudioTranscriptDone:
		i.flushPending()

	case events.TypeInputAudioTranscriptionCompleted:
		if strings.TrimSpace(event.Transcript) != "" {
			i.sink.appendTranscript(TranscriptEntry{Role: RoleUser, Text: event.Transcript})
		}

	case events.TypeResponseCreated:
		i.sink.setSpeaking(true)

	case events.TypeResponseDone:
		i.sink.setSpeaking(false)
		if event.Response.HasFunctionCall(i.hangupFunction) {
			i.log.Info("agent invoked %s, scheduling grace-delayed hangup", i.hangupFunction)
			i.sink.scheduleHangup()
		}

	case events.TypeError:
		if event.Error != nil {
			i.log.Warn("server error event: %s (%s)", event.Error.Message, event.Error.Code)
		}

	default:
		// Unrecognized event types are ignored, not errors.
		i.log.Debug("ignoring event type %q", event.Type)
	}
}

// seedGreeting emits the synthesized speak-this-greeting instruction once the
// session is ready, so the conversation starts without waiting for the user.
func (i *interpreter) seedGreeting() {
	if i.greeting == "" {
		return
	}
	instruction := events.NewResponseCreate("Greet the caller by saying: " + i.greeting)
	if err := i.sink.send(instruction); err != nil {
		i.log.Warn("failed to seed greeting: %v", err)
	}
}

// flushPending materializes the in-progress assistant utterance as one
// transcript entry, guarding against empty or whitespace-only entries.
func (i *interpreter) flushPending() {
	text := strings.Join(i.pending, "")
	i.pending = nil
	if strings.TrimSpace(text) == "" {
		return
	}
	i.sink.appendTranscript(TranscriptEntry{Role: RoleAssistant, Text: text})
}
