package core

import (
	"context"

	"github.com/dkeye/Seance/internal/domain"
)

// Directory answers room-level questions owned by the external room service.
type Directory interface {
	IsSessionOwner(id domain.UserID) bool
	RoomCapacity() int
}

// SnapshotSlot is one occupied seat in a room snapshot.
type SnapshotSlot struct {
	SlotID        int    `json:"slotId"`
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	CharacterName string `json:"characterName,omitempty"`
}

// RoomSnapshot is the full room state at (re)join. The bus replays nothing
// across reconnects, so every component must be able to reach a consistent
// state from a snapshot plus whatever events arrive after it.
type RoomSnapshot struct {
	Slots    []SnapshotSlot  `json:"slots"`
	Trackers map[string]int  `json:"trackers"`
	Consents map[string]bool `json:"consents"`
}

// SnapshotSource fetches the current room state from the external room service.
type SnapshotSource interface {
	Fetch(ctx context.Context) (RoomSnapshot, error)
}

// MarkerRequest carries the elapsed-time inputs for marker creation.
type MarkerRequest struct {
	Identifier string
	VideoTime  *float64
	STTTime    *float64
}

// MarkerCreator is the external marker-creation REST endpoint.
type MarkerCreator interface {
	CreateMarker(ctx context.Context, req MarkerRequest) (string, error)
}
