package domain

type RoomID string

// Room holds the static facts about the session this client is part of.
// Creator and capacity come from the external room directory and never
// change for the session's lifetime.
type Room struct {
	ID               RoomID
	CreatorID        UserID
	Capacity         int
	RecordingEnabled bool
}
