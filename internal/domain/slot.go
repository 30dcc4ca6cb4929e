package domain

// SlotID is a stable seat number, 1..capacity.
type SlotID int

// Slot is one fixed seat in the session. Occupant and media are independent:
// a seated participant may have a degraded or absent stream.
type Slot struct {
	ID       SlotID
	Occupant *Participant
	StreamID string
}

// Occupied reports whether someone holds the seat.
func (s *Slot) Occupied() bool { return s.Occupant != nil }
