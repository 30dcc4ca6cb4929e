package app

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Seance/internal/domain"
)

var (
	ErrSlotOccupied  = errors.New("slot occupied")
	ErrAlreadySeated = errors.New("already seated in another slot")
	ErrNoSuchSlot    = errors.New("no such slot")
)

// OccupancyObserver is notified synchronously on every occupancy change,
// before the triggering event is published, so observers never see a
// half-updated world within one tick.
type OccupancyObserver interface {
	OnOccupantChanged(id domain.SlotID, p *domain.Participant)
}

// SlotRegistry is the authoritative local view of seat occupancy. The slot
// set is fixed at construction from room capacity. All mutation happens on
// the session loop; no locking here.
type SlotRegistry struct {
	localUser domain.UserID
	slots     []*domain.Slot
	byUser    map[domain.UserID]domain.SlotID
	observers []OccupancyObserver
}

func NewSlotRegistry(capacity int, localUser domain.UserID) *SlotRegistry {
	slots := make([]*domain.Slot, capacity)
	for i := range slots {
		slots[i] = &domain.Slot{ID: domain.SlotID(i + 1)}
	}
	return &SlotRegistry{
		localUser: localUser,
		slots:     slots,
		byUser:    make(map[domain.UserID]domain.SlotID),
	}
}

func (r *SlotRegistry) AddObserver(o OccupancyObserver) {
	r.observers = append(r.observers, o)
}

func (r *SlotRegistry) Capacity() int { return len(r.slots) }

func (r *SlotRegistry) slot(id domain.SlotID) (*domain.Slot, error) {
	if id < 1 || int(id) > len(r.slots) {
		return nil, ErrNoSuchSlot
	}
	return r.slots[id-1], nil
}

// Join seats a participant locally. Seats never auto-migrate: a caller
// already seated elsewhere must Leave first. Rejoining the own seat is a
// no-op.
func (r *SlotRegistry) Join(id domain.SlotID, p *domain.Participant) error {
	s, err := r.slot(id)
	if err != nil {
		return err
	}
	if s.Occupant != nil {
		if s.Occupant.ID == p.ID {
			return nil
		}
		return ErrSlotOccupied
	}
	if prev, ok := r.byUser[p.ID]; ok && prev != id {
		return ErrAlreadySeated
	}
	r.set(s, p)
	log.Info().Str("module", "app.slots").Int("slot", int(id)).Str("user", string(p.ID)).Msg("joined slot")
	return nil
}

// Leave vacates a seat. Leaving an empty seat is a no-op.
func (r *SlotRegistry) Leave(id domain.SlotID) {
	s, err := r.slot(id)
	if err != nil || s.Occupant == nil {
		return
	}
	delete(r.byUser, s.Occupant.ID)
	s.Occupant = nil
	s.StreamID = ""
	r.notify(id, nil)
	log.Info().Str("module", "app.slots").Int("slot", int(id)).Msg("left slot")
}

// ApplyRemote overwrites slot occupancy from a bus event. The event is
// authoritative: a speculative local seat loses to an earlier remote writer.
// Reports whether the local user was evicted from this slot.
func (r *SlotRegistry) ApplyRemote(id domain.SlotID, p *domain.Participant) (evicted bool) {
	s, err := r.slot(id)
	if err != nil {
		log.Warn().Str("module", "app.slots").Int("slot", int(id)).Msg("remote event for unknown slot")
		return false
	}
	if s.Occupant != nil && p != nil && s.Occupant.ID == r.localUser && p.ID != r.localUser {
		evicted = true
	}
	if s.Occupant == nil && p == nil {
		return false
	}
	if s.Occupant != nil && p != nil && s.Occupant.ID == p.ID {
		s.Occupant = p
		return false
	}
	if s.Occupant != nil {
		delete(r.byUser, s.Occupant.ID)
	}
	r.set(s, p)
	return evicted
}

// set installs an occupant, clearing any stale seat the participant still
// holds locally (delivery gaps can hide an earlier slot-left).
func (r *SlotRegistry) set(s *domain.Slot, p *domain.Participant) {
	if p != nil {
		if prev, ok := r.byUser[p.ID]; ok && prev != s.ID {
			old := r.slots[prev-1]
			old.Occupant = nil
			old.StreamID = ""
			r.notify(prev, nil)
		}
		r.byUser[p.ID] = s.ID
	}
	s.Occupant = p
	if p == nil {
		s.StreamID = ""
	}
	r.notify(s.ID, p)
}

func (r *SlotRegistry) notify(id domain.SlotID, p *domain.Participant) {
	for _, o := range r.observers {
		o.OnOccupantChanged(id, p)
	}
}

func (r *SlotRegistry) OccupantOf(id domain.SlotID) *domain.Participant {
	s, err := r.slot(id)
	if err != nil {
		return nil
	}
	return s.Occupant
}

// CurrentUserSlot reports where the local participant sits, if anywhere.
func (r *SlotRegistry) CurrentUserSlot() (domain.SlotID, bool) {
	id, ok := r.byUser[r.localUser]
	return id, ok
}

// SlotOf reports where a participant sits, if anywhere.
func (r *SlotRegistry) SlotOf(user domain.UserID) (domain.SlotID, bool) {
	id, ok := r.byUser[user]
	return id, ok
}

// Snapshot returns a copy of the slot set for read-only views.
func (r *SlotRegistry) Snapshot() []domain.Slot {
	out := make([]domain.Slot, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, *s)
	}
	return out
}

// Reset replaces all occupancy from a room snapshot, notifying observers
// for every seat that changes.
func (r *SlotRegistry) Reset(occupants map[domain.SlotID]*domain.Participant) {
	for _, s := range r.slots {
		want := occupants[s.ID]
		switch {
		case s.Occupant == nil && want == nil:
		case s.Occupant != nil && want != nil && s.Occupant.ID == want.ID:
			s.Occupant = want
		default:
			if s.Occupant != nil {
				delete(r.byUser, s.Occupant.ID)
			}
			r.set(s, want)
		}
	}
	log.Info().Str("module", "app.slots").Int("occupied", len(r.byUser)).Msg("reset from snapshot")
}
