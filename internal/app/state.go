package app

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Seance/internal/domain"
)

// EphemeralStateStore holds the shared trackers (fear plus countdowns).
// Local mutation is optimistic and provisional; the bus event confirming a
// value replaces local state wholesale, never merges.
type EphemeralStateStore struct {
	trackers map[string]*domain.Tracker
}

func NewEphemeralStateStore() *EphemeralStateStore {
	return &EphemeralStateStore{trackers: make(map[string]*domain.Tracker)}
}

func (s *EphemeralStateStore) tracker(id string) *domain.Tracker {
	t, ok := s.trackers[id]
	if !ok {
		t = &domain.Tracker{ID: id, LastDirection: domain.DirectionNone}
		s.trackers[id] = t
	}
	return t
}

// clampValue bounds fear to [0, FearMax] and floors countdowns at zero.
func clampValue(id string, value int) int {
	if value < 0 {
		return 0
	}
	if id == domain.FearTrackerID && value > domain.FearMax {
		return domain.FearMax
	}
	return value
}

func direction(prev, next int) domain.Direction {
	switch {
	case next > prev:
		return domain.DirectionRight
	case next < prev:
		return domain.DirectionLeft
	default:
		return domain.DirectionNone
	}
}

// ApplyLocalDelta records an optimistic local mutation and returns the
// clamped value the caller should publish.
func (s *EphemeralStateStore) ApplyLocalDelta(id string, value int) int {
	t := s.tracker(id)
	value = clampValue(id, value)
	if value != t.Value {
		t.LastDirection = direction(t.Value, value)
	}
	t.Value = value
	return value
}

// ApplyRemoteEvent replaces a tracker's value with the confirmed one,
// whether it is the local echo of an own publish or a genuinely remote
// update. Idempotent under duplicate delivery.
func (s *EphemeralStateStore) ApplyRemoteEvent(id string, value int) {
	t := s.tracker(id)
	if value != t.Value {
		t.LastDirection = direction(t.Value, value)
	}
	t.Value = value
}

// DeleteTracker removes local state; deleting an absent tracker is a no-op.
func (s *EphemeralStateStore) DeleteTracker(id string) {
	if _, ok := s.trackers[id]; !ok {
		return
	}
	delete(s.trackers, id)
	log.Info().Str("module", "app.state").Str("tracker", id).Msg("tracker deleted")
}

// CurrentValue returns a tracker's value, zero when absent.
func (s *EphemeralStateStore) CurrentValue(id string) int {
	if t, ok := s.trackers[id]; ok {
		return t.Value
	}
	return 0
}

// Tracker returns a copy of one tracker.
func (s *EphemeralStateStore) Tracker(id string) (domain.Tracker, bool) {
	t, ok := s.trackers[id]
	if !ok {
		return domain.Tracker{}, false
	}
	return *t, true
}

// Snapshot returns all trackers in stable id order.
func (s *EphemeralStateStore) Snapshot() []domain.Tracker {
	out := make([]domain.Tracker, 0, len(s.trackers))
	for _, t := range s.trackers {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResetAll replaces every tracker from a room snapshot.
func (s *EphemeralStateStore) ResetAll(values map[string]int) {
	s.trackers = make(map[string]*domain.Tracker, len(values))
	for id, v := range values {
		s.trackers[id] = &domain.Tracker{ID: id, Value: v, LastDirection: domain.DirectionNone}
	}
}
