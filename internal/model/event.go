package model

import (
	"encoding/json"
	"fmt"
)

// EventType tags a change notification on the wire
type EventType string

const (
	EventFlagCreated  EventType = "flag-created"
	EventFlagUpdated  EventType = "flag-updated"
	EventFlagDeleted  EventType = "flag-deleted"
	EventFlagsUpdated EventType = "flags-updated"
	EventFlagsDeleted EventType = "flags-deleted"
)

// Recognized reports whether t is one of the five change tags
func (t EventType) Recognized() bool {
	switch t {
	case EventFlagCreated, EventFlagUpdated, EventFlagDeleted, EventFlagsUpdated, EventFlagsDeleted:
		return true
	default:
		return false
	}
}

// Event is a change notification. It only exists for the duration of a
// fan-out and carries the minimal payload for its type.
type Event struct {
	Type    EventType
	Flag    *Flag
	ID      int64
	IDs     []int64
	Enabled bool
}

// FlagCreated builds the event for a newly created flag
func FlagCreated(f *Flag) Event {
	return Event{Type: EventFlagCreated, Flag: f}
}

// FlagUpdated builds the event for a toggle or metadata edit
func FlagUpdated(id int64) Event {
	return Event{Type: EventFlagUpdated, ID: id}
}

// FlagDeleted builds the event for a single delete
func FlagDeleted(id int64) Event {
	return Event{Type: EventFlagDeleted, ID: id}
}

// FlagsUpdated builds the event for a bulk toggle
func FlagsUpdated(ids []int64, enabled bool) Event {
	return Event{Type: EventFlagsUpdated, IDs: ids, Enabled: enabled}
}

// FlagsDeleted builds the event for a bulk delete
func FlagsDeleted(ids []int64) Event {
	return Event{Type: EventFlagsDeleted, IDs: ids}
}

type flagEvent struct {
	Event EventType `json:"event"`
	Flag  *Flag     `json:"flag"`
}

type idEvent struct {
	Event EventType `json:"event"`
	ID    int64     `json:"id"`
}

type idsEvent struct {
	Event EventType `json:"event"`
	IDs   []int64   `json:"ids"`
}

type idsEnabledEvent struct {
	Event   EventType `json:"event"`
	IDs     []int64   `json:"ids"`
	Enabled bool      `json:"enabled"`
}

// MarshalJSON encodes the fixed wire shape for each event type
func (e Event) MarshalJSON() ([]byte, error) {
	ids := e.IDs
	if ids == nil {
		ids = []int64{}
	}

	switch e.Type {
	case EventFlagCreated:
		if e.Flag == nil {
			return nil, fmt.Errorf("%s event without flag", e.Type)
		}
		return json.Marshal(flagEvent{Event: e.Type, Flag: e.Flag})
	case EventFlagUpdated, EventFlagDeleted:
		return json.Marshal(idEvent{Event: e.Type, ID: e.ID})
	case EventFlagsUpdated:
		return json.Marshal(idsEnabledEvent{Event: e.Type, IDs: ids, Enabled: e.Enabled})
	case EventFlagsDeleted:
		return json.Marshal(idsEvent{Event: e.Type, IDs: ids})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

// DecodeEventType extracts the event tag from a wire message. Only the tag
// is interpreted; subscribers resync rather than apply payloads.
func DecodeEventType(data []byte) (EventType, error) {
	var envelope struct {
		Event EventType `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("failed to decode event: %w", err)
	}
	return envelope.Event, nil
}
