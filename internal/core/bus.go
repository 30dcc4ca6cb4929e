package core

import (
	json "github.com/goccy/go-json"
)

// EventType enumerates the closed set of events on a room channel.
// Unknown types received from the wire are ignored, never dispatched.
type EventType string

const (
	EventSlotJoined      EventType = "slot-joined"
	EventSlotLeft        EventType = "slot-left"
	EventPresenceChanged EventType = "presence-changed"
	EventTrackerUpdated  EventType = "tracker-updated"
	EventTrackerDeleted  EventType = "tracker-deleted"
	EventConsentDecided  EventType = "consent-decided"
	EventMarkerCreated   EventType = "marker-created"
)

// Bus is the external per-room publish/subscribe channel. Delivery is
// at-least-once with per-channel FIFO per subscriber; there is no cross-client
// total order and nothing survives a reconnect. The published event is the
// single source of truth: every client, the originator included, re-applies
// it on arrival.
//
// Owned by the adapter; the adapter must Close() it.
type Bus interface {
	Publish(t EventType, payload any) error
	Subscribe(t EventType, h func(payload []byte))
}

// Envelope frames one event on the wire.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEnvelope marshals an event and its payload for the wire.
func EncodeEnvelope(t EventType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// DecodeEnvelope splits a wire frame into its type and raw payload.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}

// SlotJoined announces an occupant taking a seat.
type SlotJoined struct {
	SlotID        int    `json:"slotId"`
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	CharacterName string `json:"characterName,omitempty"`
}

// SlotLeft announces a seat being vacated.
type SlotLeft struct {
	SlotID int `json:"slotId"`
}

// PresenceChanged announces a GM presence transition so remote clients
// converge without polling.
type PresenceChanged struct {
	GMPresent bool `json:"gmPresent"`
	GMSlotID  *int `json:"gmSlotId"`
}

// TrackerUpdated carries the full confirmed value, never a delta, so
// duplicate delivery is naturally idempotent.
type TrackerUpdated struct {
	TrackerID string `json:"trackerId"`
	Value     int    `json:"value"`
}

// TrackerDeleted announces an explicit tracker deletion.
type TrackerDeleted struct {
	TrackerID string `json:"trackerId"`
}

// ConsentDecided announces one participant's capture-consent decision.
type ConsentDecided struct {
	UserID  string `json:"userId"`
	Granted bool   `json:"granted"`
}

// MarkerCreated republishes a marker created through the external REST
// endpoint so other clients can display it.
type MarkerCreated struct {
	MarkerID   string   `json:"markerId"`
	Identifier string   `json:"identifier,omitempty"`
	VideoTime  *float64 `json:"videoTime,omitempty"`
	STTTime    *float64 `json:"sttTime,omitempty"`
}
