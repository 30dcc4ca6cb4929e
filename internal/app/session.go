package app

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Seance/internal/core"
	"github.com/dkeye/Seance/internal/domain"
)

var ErrSessionClosed = errors.New("session closed")

// Deps are the external collaborators a session is wired with.
type Deps struct {
	Bus              core.Bus
	Directory        core.Directory
	Snapshots        core.SnapshotSource
	Markers          core.MarkerCreator
	Links            LinkFactory
	Retry            RetryPolicy
	Exits            ExitScheduler
	ConsentCountdown time.Duration
}

// Session coordinates one client's view of a room: slot occupancy, peer
// links, GM presence, shared trackers and consent. All mutable state is
// confined to the Run loop; local intents and bus deliveries enqueue
// closures onto it, so components need no locking.
type Session struct {
	room  domain.Room
	local domain.Participant

	bus     core.Bus
	snaps   core.SnapshotSource
	markers core.MarkerCreator

	registry *SlotRegistry
	peers    *PeerCoordinator
	presence *PresenceTracker
	state    *EphemeralStateStore
	consent  *ConsentGate

	tasks  chan func()
	closed chan struct{}

	recordingStart time.Time
	speechStart    time.Time
	recent         []domain.Marker

	// OnEvicted notifies the UI that the local seat was lost to an earlier
	// remote writer and it must re-render as spectator.
	OnEvicted func(domain.SlotID)
}

func NewSession(ctx context.Context, room domain.Room, local domain.Participant, deps Deps) *Session {
	s := &Session{
		room:    room,
		local:   local,
		bus:     deps.Bus,
		snaps:   deps.Snapshots,
		markers: deps.Markers,
		state:   NewEphemeralStateStore(),
		tasks:   make(chan func(), 64),
		closed:  make(chan struct{}),
	}
	s.registry = NewSlotRegistry(deps.Directory.RoomCapacity(), local.ID)
	s.peers = NewPeerCoordinator(ctx, local.ID, s.registry, deps.Links, deps.Retry, s.do)
	s.presence = NewPresenceTracker(deps.Directory, s.registry)
	s.consent = NewConsentGate(room.ID, local.ID, deps.ConsentCountdown, deps.Exits)

	// Occupancy change reaches the coordinator and presence synchronously,
	// before the join event is published, so local UI never flashes stale.
	s.registry.AddObserver(s.peers)
	s.registry.AddObserver(s.presence)

	s.presence.OnChange = func(present bool, gmSlot *int) {
		s.publish(core.EventPresenceChanged, core.PresenceChanged{GMPresent: present, GMSlotID: gmSlot})
	}

	s.bindBus()
	return s
}

// Run drains the task queue until ctx is done. Everything that mutates
// session state runs here.
func (s *Session) Run(ctx context.Context) {
	defer close(s.closed)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.session").Msg("session loop stopped")
			return
		case fn := <-s.tasks:
			fn()
		}
	}
}

func (s *Session) do(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.closed:
	}
}

func (s *Session) call(fn func() error) error {
	errc := make(chan error, 1)
	s.do(func() { errc <- fn() })
	select {
	case err := <-errc:
		return err
	case <-s.closed:
		return ErrSessionClosed
	}
}

func (s *Session) publish(t core.EventType, payload any) {
	if err := s.bus.Publish(t, payload); err != nil {
		log.Warn().Err(err).Str("module", "app.session").Str("event", string(t)).Msg("publish failed")
	}
}

// --- bus handlers -------------------------------------------------------

func (s *Session) bindBus() {
	s.bus.Subscribe(core.EventSlotJoined, s.onSlotJoined)
	s.bus.Subscribe(core.EventSlotLeft, s.onSlotLeft)
	s.bus.Subscribe(core.EventPresenceChanged, s.onPresenceChanged)
	s.bus.Subscribe(core.EventTrackerUpdated, s.onTrackerUpdated)
	s.bus.Subscribe(core.EventTrackerDeleted, s.onTrackerDeleted)
	s.bus.Subscribe(core.EventConsentDecided, s.onConsentDecided)
	s.bus.Subscribe(core.EventMarkerCreated, s.onMarkerCreated)
}

func decode[T any](data []byte, event string) (T, bool) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "app.session").Str("event", event).Msg("bad payload")
		return p, false
	}
	return p, true
}

func (s *Session) onSlotJoined(data []byte) {
	p, ok := decode[core.SlotJoined](data, "slot-joined")
	if !ok {
		return
	}
	s.do(func() {
		occ := &domain.Participant{
			ID:            domain.UserID(p.UserID),
			DisplayName:   p.DisplayName,
			CharacterName: p.CharacterName,
		}
		if s.registry.ApplyRemote(domain.SlotID(p.SlotID), occ) {
			log.Info().Str("module", "app.session").Int("slot", p.SlotID).Msg("seat lost to earlier writer")
			if s.OnEvicted != nil {
				s.OnEvicted(domain.SlotID(p.SlotID))
			}
		}
	})
}

func (s *Session) onSlotLeft(data []byte) {
	p, ok := decode[core.SlotLeft](data, "slot-left")
	if !ok {
		return
	}
	s.do(func() { s.registry.ApplyRemote(domain.SlotID(p.SlotID), nil) })
}

func (s *Session) onPresenceChanged(data []byte) {
	p, ok := decode[core.PresenceChanged](data, "presence-changed")
	if !ok {
		return
	}
	s.do(func() { s.presence.ApplyRemote(p.GMPresent, p.GMSlotID) })
}

func (s *Session) onTrackerUpdated(data []byte) {
	p, ok := decode[core.TrackerUpdated](data, "tracker-updated")
	if !ok {
		return
	}
	s.do(func() { s.state.ApplyRemoteEvent(p.TrackerID, p.Value) })
}

func (s *Session) onTrackerDeleted(data []byte) {
	p, ok := decode[core.TrackerDeleted](data, "tracker-deleted")
	if !ok {
		return
	}
	s.do(func() { s.state.DeleteTracker(p.TrackerID) })
}

func (s *Session) onConsentDecided(data []byte) {
	p, ok := decode[core.ConsentDecided](data, "consent-decided")
	if !ok {
		return
	}
	s.do(func() { s.consent.ApplyRemote(domain.UserID(p.UserID), p.Granted) })
}

func (s *Session) onMarkerCreated(data []byte) {
	p, ok := decode[core.MarkerCreated](data, "marker-created")
	if !ok {
		return
	}
	s.do(func() {
		for _, m := range s.recent {
			if m.ID == p.MarkerID {
				return
			}
		}
		s.recent = append(s.recent, domain.Marker{
			ID:         p.MarkerID,
			Identifier: p.Identifier,
			VideoTime:  p.VideoTime,
			STTTime:    p.STTTime,
		})
	})
}

// --- local intents ------------------------------------------------------

// JoinSlot seats the local participant. Consent is enforced before the
// slot's live-capture path, not after.
func (s *Session) JoinSlot(id domain.SlotID) error {
	return s.call(func() error {
		if s.room.RecordingEnabled {
			if err := s.consent.RequireConsent(s.local.ID); err != nil {
				return err
			}
		}
		if err := s.registry.Join(id, &s.local); err != nil {
			return err
		}
		s.publish(core.EventSlotJoined, core.SlotJoined{
			SlotID:        int(id),
			UserID:        string(s.local.ID),
			DisplayName:   s.local.DisplayName,
			CharacterName: s.local.CharacterName,
		})
		return nil
	})
}

// LeaveSlot vacates the local seat, if any.
func (s *Session) LeaveSlot() error {
	return s.call(func() error {
		id, ok := s.registry.CurrentUserSlot()
		if !ok {
			return nil
		}
		s.registry.Leave(id)
		s.publish(core.EventSlotLeft, core.SlotLeft{SlotID: int(id)})
		return nil
	})
}

// SetTracker applies an optimistic local mutation and publishes the
// confirmed value for every client to re-apply.
func (s *Session) SetTracker(id string, value int) error {
	return s.call(func() error {
		applied := s.state.ApplyLocalDelta(id, value)
		s.publish(core.EventTrackerUpdated, core.TrackerUpdated{TrackerID: id, Value: applied})
		return nil
	})
}

func (s *Session) DeleteTracker(id string) error {
	return s.call(func() error {
		s.state.DeleteTracker(id)
		s.publish(core.EventTrackerDeleted, core.TrackerDeleted{TrackerID: id})
		return nil
	})
}

// Decide records the local consent choice and broadcasts it.
func (s *Session) Decide(granted bool) error {
	return s.call(func() error {
		if err := s.consent.Decide(s.local.ID, granted); err != nil {
			return err
		}
		s.publish(core.EventConsentDecided, core.ConsentDecided{UserID: string(s.local.ID), Granted: granted})
		return nil
	})
}

func (s *Session) RefreshPeer(remote domain.UserID) error {
	return s.call(func() error { return s.peers.Refresh(remote) })
}

func (s *Session) RefreshAllPeers() error {
	return s.call(func() error {
		s.peers.RefreshAll()
		return nil
	})
}

// StartRecording marks the recording epoch used for marker video times.
// Blocked starts are unblocked on the grant transition itself.
func (s *Session) StartRecording() error {
	return s.call(func() error { return s.startCapture(&s.recordingStart) })
}

// StartSpeechCapture marks the speech-session epoch used for marker stt times.
func (s *Session) StartSpeechCapture() error {
	return s.call(func() error { return s.startCapture(&s.speechStart) })
}

func (s *Session) startCapture(epoch *time.Time) error {
	err := s.consent.RequireConsent(s.local.ID)
	switch {
	case err == nil:
		if epoch.IsZero() {
			*epoch = time.Now()
		}
		return nil
	case errors.Is(err, ErrConsentRequired):
		s.consent.OnGranted(s.local.ID, func() {
			if epoch.IsZero() {
				*epoch = time.Now()
			}
		})
		return err
	default:
		return err
	}
}

// CreateMarker computes elapsed times, creates the marker through the
// external endpoint and republishes it for other clients to display.
func (s *Session) CreateMarker(ctx context.Context, identifier string) (domain.Marker, error) {
	req := core.MarkerRequest{Identifier: identifier}
	err := s.call(func() error {
		now := time.Now()
		if !s.recordingStart.IsZero() {
			v := now.Sub(s.recordingStart).Seconds()
			req.VideoTime = &v
		}
		if !s.speechStart.IsZero() {
			v := now.Sub(s.speechStart).Seconds()
			req.STTTime = &v
		}
		return nil
	})
	if err != nil {
		return domain.Marker{}, err
	}
	id, err := s.markers.CreateMarker(ctx, req)
	if err != nil {
		return domain.Marker{}, err
	}
	marker := domain.Marker{ID: id, Identifier: identifier, VideoTime: req.VideoTime, STTTime: req.STTTime}
	s.do(func() {
		s.publish(core.EventMarkerCreated, core.MarkerCreated{
			MarkerID:   id,
			Identifier: identifier,
			VideoTime:  req.VideoTime,
			STTTime:    req.STTTime,
		})
	})
	return marker, nil
}

// --- peer signaling plumbing for the local UI ---------------------------

// PeerOffer fetches the link under the loop, then gathers the offer on the
// caller's goroutine: ICE gathering can take seconds and must not stall
// bus deliveries behind it.
func (s *Session) PeerOffer(remote domain.UserID) (*webrtc.SessionDescription, error) {
	var conn core.PeerConnection
	err := s.call(func() error {
		c, err := s.peers.Link(remote)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn.CreateOffer()
}

func (s *Session) PeerAnswer(remote domain.UserID, sdp webrtc.SessionDescription) error {
	return s.call(func() error {
		conn, err := s.peers.Link(remote)
		if err != nil {
			return err
		}
		return conn.ApplyAnswer(sdp)
	})
}

func (s *Session) PeerCandidate(remote domain.UserID, cand webrtc.ICECandidateInit) error {
	return s.call(func() error {
		conn, err := s.peers.Link(remote)
		if err != nil {
			return err
		}
		return conn.AddICECandidate(cand)
	})
}

// --- resync -------------------------------------------------------------

// Resync replaces local state from a fresh room snapshot. Called at join
// and after every bus reconnect; the session must never depend on having
// seen every historical event.
func (s *Session) Resync(ctx context.Context) error {
	snap, err := s.snaps.Fetch(ctx)
	if err != nil {
		return err
	}
	return s.call(func() error {
		occupants := make(map[domain.SlotID]*domain.Participant, len(snap.Slots))
		for _, sl := range snap.Slots {
			occupants[domain.SlotID(sl.SlotID)] = &domain.Participant{
				ID:            domain.UserID(sl.UserID),
				DisplayName:   sl.DisplayName,
				CharacterName: sl.CharacterName,
			}
		}
		s.registry.Reset(occupants)
		s.state.ResetAll(snap.Trackers)
		decisions := make(map[domain.UserID]bool, len(snap.Consents))
		for uid, granted := range snap.Consents {
			decisions[domain.UserID(uid)] = granted
		}
		s.consent.Reset(decisions)
		s.presence.Recompute()
		log.Info().Str("module", "app.session").Int("slots", len(snap.Slots)).Int("trackers", len(snap.Trackers)).Msg("resynced from snapshot")
		return nil
	})
}

// --- read views ---------------------------------------------------------

// SessionState is a read-only projection for the UI.
type SessionState struct {
	Slots       []domain.Slot                    `json:"slots"`
	CurrentSlot *domain.SlotID                   `json:"current_slot,omitempty"`
	GMPresent   bool                             `json:"gm_present"`
	GMSlot      *domain.SlotID                   `json:"gm_slot,omitempty"`
	Trackers    []domain.Tracker                 `json:"trackers"`
	Consent     domain.ConsentState              `json:"consent"`
	Peers       map[domain.UserID]core.PeerState `json:"peers"`
	Markers     []domain.Marker                  `json:"markers"`
}

func (s *Session) State() (SessionState, error) {
	var out SessionState
	err := s.call(func() error {
		out.Slots = s.registry.Snapshot()
		if id, ok := s.registry.CurrentUserSlot(); ok {
			out.CurrentSlot = &id
		}
		out.GMPresent = s.presence.IsGMPresent()
		if id, ok := s.presence.GMSlot(); ok {
			out.GMSlot = &id
		}
		out.Trackers = s.state.Snapshot()
		out.Consent = s.consent.StatusFor(s.local.ID)
		out.Peers = s.peers.States()
		out.Markers = append([]domain.Marker(nil), s.recent...)
		return nil
	})
	return out, err
}

// RegisterOverlay exposes presence registration to late-appearing UI parts.
func (s *Session) RegisterOverlay(o Overlay) {
	s.do(func() { s.presence.RegisterOverlay(o) })
}
