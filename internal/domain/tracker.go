package domain

// Direction records which way a tracker last moved. It drives the rotating
// display animation only and is never reconciled between clients.
type Direction string

const (
	DirectionNone  Direction = "none"
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

const (
	// FearTrackerID is the well-known id of the shared fear counter.
	FearTrackerID = "fear"
	// FearMax is the fear cap. Countdown trackers have no upper bound.
	FearMax = 12
)

// Tracker is a named integer counter shared across the session.
// The value is authoritative only once confirmed by a bus event.
type Tracker struct {
	ID            string    `json:"id"`
	Value         int       `json:"value"`
	LastDirection Direction `json:"last_direction"`
}
