package domain

import "time"

// ConsentState is the capture-consent decision of one participant.
// Granted and Denied are terminal within a room session.
type ConsentState string

const (
	ConsentUndecided ConsentState = "undecided"
	ConsentGranted   ConsentState = "granted"
	ConsentDenied    ConsentState = "denied"
)

// ConsentRecord is keyed by (room, user) and never deleted within a
// room's lifetime.
type ConsentRecord struct {
	RoomID    RoomID
	UserID    UserID
	Decision  ConsentState
	DecidedAt time.Time
}
