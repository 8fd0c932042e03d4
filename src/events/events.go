package events

// Server event types delivered over the side-channel, in the order the remote
// peer sends them. The interpreter ignores any type it does not recognize.
const (
	// Error event
	TypeError = "error"

	// Session events
	TypeSessionCreated = "session.created"
	TypeSessionUpdated = "session.updated"

	// Conversation events
	TypeConversationItemCreated            = "conversation.item.created"
	TypeInputAudioTranscriptionCompleted   = "conversation.item.input_audio_transcription.completed"
	TypeInputAudioTranscriptionFailed      = "conversation.item.input_audio_transcription.failed"

	// Input audio buffer events
	TypeInputAudioBufferSpeechStarted = "input_audio_buffer.speech_started"
	TypeInputAudioBufferSpeechStopped = "input_audio_buffer.speech_stopped"

	// Response lifecycle events
	TypeResponseCreated = "response.created"
	TypeResponseDone    = "response.done"

	// Response audio transcript events
	TypeResponseAudioTranscriptDelta = "response.audio_transcript.delta"
	TypeResponseAudioTranscriptDone  = "response.audio_transcript.done"

	// Response function call events
	TypeResponseFunctionCallArgumentsDone = "response.function_call_arguments.done"

	// Rate limits event
	TypeRateLimitsUpdated = "rate_limits.updated"
)

// Client event types sent to the server over the side-channel.
const (
	TypeSessionUpdate          = "session.update"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
	TypeResponseCancel         = "response.cancel"
)

// ServerEvent is one discrete message received from the remote peer. Only the
// fields relevant to the event's type are populated; everything else is zero.
type ServerEvent struct {
	// Type is the event type discriminator.
	Type string `json:"type"`

	// EventID is the server-assigned identifier for this event.
	EventID string `json:"event_id,omitempty"`

	// Session carries session information for session.created / session.updated.
	Session *SessionResource `json:"session,omitempty"`

	// Item carries the conversation item for conversation.item.* events.
	Item *ConversationItem `json:"item,omitempty"`

	// ItemID identifies the item a transcription or truncation refers to.
	ItemID string `json:"item_id,omitempty"`

	// Transcript is the transcription text for completed-transcription and
	// transcript-done events.
	Transcript string `json:"transcript,omitempty"`

	// Delta is the incremental transcript fragment for *.delta events.
	Delta string `json:"delta,omitempty"`

	// Response carries the full response resource for response.created and
	// response.done.
	Response *ResponseResource `json:"response,omitempty"`

	// ResponseID identifies the response a delta belongs to.
	ResponseID string `json:"response_id,omitempty"`

	// CallID, Name and Arguments describe a function call for
	// response.function_call_arguments.done.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// Error carries error details for error events.
	Error *EventError `json:"error,omitempty"`
}

// SessionResource describes the negotiated session.
type SessionResource struct {
	ID    string `json:"id,omitempty"`
	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`
}

// ConversationItem is one item in the conversation history.
type ConversationItem struct {
	ID     string        `json:"id,omitempty"`
	Type   string        `json:"type,omitempty"`
	Role   string        `json:"role,omitempty"`
	Status string        `json:"status,omitempty"`
	CallID string        `json:"call_id,omitempty"`
	Name   string        `json:"name,omitempty"`
	Output []ContentPart `json:"content,omitempty"`
}

// ContentPart is one content entry inside a conversation item.
type ContentPart struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ResponseResource describes a completed or in-progress model response.
type ResponseResource struct {
	ID     string       `json:"id,omitempty"`
	Status string       `json:"status,omitempty"`
	Output []OutputItem `json:"output,omitempty"`
}

// OutputItem is one output entry of a response. Function call items carry
// Type "function_call" plus the function name and arguments.
type OutputItem struct {
	ID        string        `json:"id,omitempty"`
	Type      string        `json:"type,omitempty"`
	Role      string        `json:"role,omitempty"`
	Name      string        `json:"name,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
}

// HasFunctionCall reports whether the response's output items include an
// invoked function call with the given name.
func (r *ResponseResource) HasFunctionCall(name string) bool {
	if r == nil {
		return false
	}
	for _, item := range r.Output {
		if item.Type == "function_call" && item.Name == name {
			return true
		}
	}
	return false
}

// EventError contains error information from error events.
type EventError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
}
