package notify

import (
	"encoding/json"
	"fmt"
)

// Satellite event types pushed on voice_satellite/subscribe_events.
const (
	EventAnnouncement      = "announcement"
	EventStartConversation = "start_conversation"
	EventMediaPlayer       = "media_player"
)

// Kind selects the behaviour that runs after a notification has played.
type Kind int

const (
	KindAnnouncement Kind = iota
	KindQuestion
	KindConversation
	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindAnnouncement:
		return "announcement"
	case KindQuestion:
		return "question"
	case KindConversation:
		return "start_conversation"
	}
	return "unknown"
}

// Event is one message of the satellite event subscription.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Envelope is one inbound notification.
type Envelope struct {
	ID                 int    `json:"id"`
	Message            string `json:"message,omitempty"`
	MediaID            string `json:"media_id,omitempty"`
	PreannounceMediaID string `json:"preannounce_media_id,omitempty"`

	// Preannounce false skips the pre-announcement entirely. Absent means
	// true.
	Preannounce *bool `json:"preannounce,omitempty"`

	StartConversation bool   `json:"start_conversation,omitempty"`
	AskQuestion       bool   `json:"ask_question,omitempty"`
	ExtraSystemPrompt string `json:"extra_system_prompt,omitempty"`
}

// DecodeEvent parses one raw satellite event.
func DecodeEvent(raw json.RawMessage) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("notify: decode event: %w", err)
	}
	return ev, nil
}

// Envelope decodes the event payload as a notification.
func (e Event) Envelope() (Envelope, error) {
	var env Envelope
	if len(e.Data) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(e.Data, &env); err != nil {
		return Envelope{}, fmt.Errorf("notify: decode %s envelope: %w", e.Type, err)
	}
	return env, nil
}

// Route returns the kind that handles env delivered as eventType.
func Route(eventType string, env Envelope) Kind {
	switch {
	case env.AskQuestion:
		return KindQuestion
	case eventType == EventStartConversation || env.StartConversation:
		return KindConversation
	}
	return KindAnnouncement
}
