package events

import (
	"encoding/json"
	"fmt"
)

// ParseServerEvent decodes one raw side-channel message. A malformed payload
// or a payload without a type discriminator yields an error; the caller is
// expected to drop the message and continue, never to abort the session.
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	var event ServerEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("message missing type discriminator")
	}
	return &event, nil
}
