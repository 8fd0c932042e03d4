package events

import "github.com/google/uuid"

// ClientEvent is an outbound instruction message for the remote peer. Events
// are built as plain maps so callers can extend them without new types, the
// same shape the wire expects.
type ClientEvent map[string]interface{}

// newEventID generates a unique client event ID.
func newEventID() string {
	return "evt_" + uuid.New().String()[:12]
}

// NewResponseCreate builds a response.create event instructing the remote
// peer to produce a spoken response with the given instructions text. This is
// how a greeting is seeded without waiting for the user to speak first.
func NewResponseCreate(instructions string) ClientEvent {
	event := ClientEvent{
		"event_id": newEventID(),
		"type":     TypeResponseCreate,
	}
	if instructions != "" {
		event["response"] = map[string]interface{}{
			"instructions": instructions,
		}
	}
	return event
}

// NewResponseCancel builds a response.cancel event aborting the in-progress
// response generation.
func NewResponseCancel() ClientEvent {
	return ClientEvent{
		"event_id": newEventID(),
		"type":     TypeResponseCancel,
	}
}

// NewSessionUpdate builds a session.update event carrying new session
// configuration (instructions, voice, tools).
func NewSessionUpdate(session map[string]interface{}) ClientEvent {
	return ClientEvent{
		"event_id": newEventID(),
		"type":     TypeSessionUpdate,
		"session":  session,
	}
}

// NewUserTextItem builds a conversation.item.create event adding a user text
// message to the conversation.
func NewUserTextItem(text string) ClientEvent {
	return ClientEvent{
		"event_id": newEventID(),
		"type":     TypeConversationItemCreate,
		"item": map[string]interface{}{
			"type": "message",
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "input_text", "text": text},
			},
		},
	}
}
