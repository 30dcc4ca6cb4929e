package app

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Seance/internal/core"
	"github.com/dkeye/Seance/internal/domain"
)

// Overlay is anything rendered against the GM's seat. Components that can
// appear after session start register themselves explicitly instead of
// being discovered reactively.
type Overlay interface {
	SetGMPresent(present bool)
}

// PresenceTracker derives "is the session owner seated" from registry
// state. The value solely gates overlay visibility; it has no bearing on
// occupancy correctness.
type PresenceTracker struct {
	dir      core.Directory
	registry *SlotRegistry

	present  bool
	gmSlot   domain.SlotID
	hasSlot  bool
	overlays []Overlay

	// OnChange fires on local presence transitions so the session can
	// publish them; remote applies converge without republishing.
	OnChange func(present bool, gmSlot *int)
}

func NewPresenceTracker(dir core.Directory, registry *SlotRegistry) *PresenceTracker {
	return &PresenceTracker{dir: dir, registry: registry}
}

// OnOccupantChanged implements OccupancyObserver.
func (t *PresenceTracker) OnOccupantChanged(domain.SlotID, *domain.Participant) {
	t.Recompute()
}

// Recompute scans the registry from scratch and returns the GM's seat, if
// any. Incremental recomputation must always match this scan.
func (t *PresenceTracker) Recompute() (domain.SlotID, bool) {
	var gmSlot domain.SlotID
	found := false
	for _, s := range t.registry.Snapshot() {
		if s.Occupant != nil && t.dir.IsSessionOwner(s.Occupant.ID) {
			gmSlot = s.ID
			found = true
			break
		}
	}
	t.apply(found, gmSlot, found, true)
	return gmSlot, found
}

// ApplyRemote converges on a presence event from the bus.
func (t *PresenceTracker) ApplyRemote(present bool, gmSlot *int) {
	var id domain.SlotID
	if gmSlot != nil {
		id = domain.SlotID(*gmSlot)
	}
	t.apply(present, id, gmSlot != nil, false)
}

func (t *PresenceTracker) apply(present bool, gmSlot domain.SlotID, hasSlot, publish bool) {
	changed := present != t.present
	if !changed && gmSlot == t.gmSlot && hasSlot == t.hasSlot {
		return
	}
	t.present, t.gmSlot, t.hasSlot = present, gmSlot, hasSlot
	for _, o := range t.overlays {
		o.SetGMPresent(present)
	}
	if changed {
		log.Info().Str("module", "app.presence").Bool("gm_present", present).Msg("presence changed")
		if publish && t.OnChange != nil {
			var slot *int
			if hasSlot {
				v := int(gmSlot)
				slot = &v
			}
			t.OnChange(present, slot)
		}
	}
}

func (t *PresenceTracker) IsGMPresent() bool { return t.present }

// GMSlot reports the GM's seat when present.
func (t *PresenceTracker) GMSlot() (domain.SlotID, bool) { return t.gmSlot, t.hasSlot }

// RegisterOverlay adds an overlay and pushes the current value immediately.
func (t *PresenceTracker) RegisterOverlay(o Overlay) {
	t.overlays = append(t.overlays, o)
	o.SetGMPresent(t.present)
}
