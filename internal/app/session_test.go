package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/dkeye/Seance/internal/core"
	"github.com/dkeye/Seance/internal/domain"
)

type publishedEvent struct {
	eventType core.EventType
	payload   any
}

type fakeBus struct {
	mu   sync.Mutex
	subs map[core.EventType]func([]byte)
	pubs []publishedEvent
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[core.EventType]func([]byte))}
}

func (b *fakeBus) Publish(t core.EventType, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pubs = append(b.pubs, publishedEvent{eventType: t, payload: payload})
	return nil
}

func (b *fakeBus) Subscribe(t core.EventType, h func(payload []byte)) {
	b.subs[t] = h
}

// deliver feeds an event into the session as if it arrived from the room
// channel. Handlers enqueue onto the session loop, so a later State call
// observes the applied result.
func (b *fakeBus) deliver(t *testing.T, et core.EventType, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", et, err)
	}
	h, ok := b.subs[et]
	if !ok {
		t.Fatalf("no subscriber for %s", et)
	}
	h(data)
}

func (b *fakeBus) published(et core.EventType) []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []any
	for _, p := range b.pubs {
		if p.eventType == et {
			out = append(out, p.payload)
		}
	}
	return out
}

type fakeSnapshots struct {
	snap core.RoomSnapshot
	err  error
}

func (f *fakeSnapshots) Fetch(context.Context) (core.RoomSnapshot, error) {
	return f.snap, f.err
}

type fakeMarkers struct {
	mu   sync.Mutex
	reqs []core.MarkerRequest
}

func (f *fakeMarkers) CreateMarker(_ context.Context, req core.MarkerRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return fmt.Sprintf("m-%d", len(f.reqs)), nil
}

type sessionHarness struct {
	sess    *Session
	bus     *fakeBus
	exits   *fakeExits
	markers *fakeMarkers
	snaps   *fakeSnapshots
	factory *fakeFactory
}

func newSessionHarness(t *testing.T, recording bool) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		bus:     newFakeBus(),
		exits:   &fakeExits{},
		markers: &fakeMarkers{},
		snaps:   &fakeSnapshots{},
		factory: &fakeFactory{},
	}
	room := domain.Room{ID: "room-1", CreatorID: "gm", Capacity: 4, RecordingEnabled: recording}
	local := domain.Participant{ID: "local", DisplayName: "Local"}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.sess = NewSession(ctx, room, local, Deps{
		Bus:              h.bus,
		Directory:        fakeDirectory{owner: "gm", capacity: 4},
		Snapshots:        h.snaps,
		Markers:          h.markers,
		Links:            h.factory.new,
		Retry:            DefaultRetryPolicy(),
		Exits:            h.exits,
		ConsentCountdown: 10 * time.Second,
	})
	go h.sess.Run(ctx)
	return h
}

func (h *sessionHarness) state(t *testing.T) SessionState {
	t.Helper()
	st, err := h.sess.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	return st
}

func TestJoinSlotPublishes(t *testing.T) {
	h := newSessionHarness(t, false)
	if err := h.sess.JoinSlot(2); err != nil {
		t.Fatalf("join: %v", err)
	}

	st := h.state(t)
	if st.CurrentSlot == nil || *st.CurrentSlot != 2 {
		t.Fatalf("expected current slot 2, got %v", st.CurrentSlot)
	}

	pubs := h.bus.published(core.EventSlotJoined)
	if len(pubs) != 1 {
		t.Fatalf("expected one slot-joined, got %d", len(pubs))
	}
	joined := pubs[0].(core.SlotJoined)
	if joined.SlotID != 2 || joined.UserID != "local" {
		t.Fatalf("unexpected payload %+v", joined)
	}
}

func TestJoinSlotGatedByConsentWhenRecording(t *testing.T) {
	h := newSessionHarness(t, true)
	if err := h.sess.JoinSlot(1); !errors.Is(err, ErrConsentRequired) {
		t.Fatalf("expected ErrConsentRequired, got %v", err)
	}
	if len(h.bus.published(core.EventSlotJoined)) != 0 {
		t.Fatal("rejected join must not publish")
	}

	if err := h.sess.Decide(true); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if err := h.sess.JoinSlot(1); err != nil {
		t.Fatalf("join after grant: %v", err)
	}
	if len(h.bus.published(core.EventConsentDecided)) != 1 {
		t.Fatal("expected consent decision broadcast")
	}
}

func TestSlotConflictEvictsLocal(t *testing.T) {
	h := newSessionHarness(t, false)
	var evicted *domain.SlotID
	h.sess.OnEvicted = func(id domain.SlotID) { evicted = &id }

	if err := h.sess.JoinSlot(1); err != nil {
		t.Fatalf("join: %v", err)
	}
	// The earlier writer's event arrives after our speculative seat.
	h.bus.deliver(t, core.EventSlotJoined, core.SlotJoined{SlotID: 1, UserID: "b", DisplayName: "B"})

	st := h.state(t)
	if st.CurrentSlot != nil {
		t.Fatal("expected local user unseated")
	}
	if occ := st.Slots[0].Occupant; occ == nil || occ.ID != "b" {
		t.Fatalf("expected occupant b, got %v", occ)
	}
	if evicted == nil || *evicted != 1 {
		t.Fatalf("expected eviction callback for slot 1, got %v", evicted)
	}
}

func TestOwnEchoIsNotEviction(t *testing.T) {
	h := newSessionHarness(t, false)
	h.sess.OnEvicted = func(domain.SlotID) { t.Error("own echo must not evict") }

	if err := h.sess.JoinSlot(1); err != nil {
		t.Fatalf("join: %v", err)
	}
	h.bus.deliver(t, core.EventSlotJoined, core.SlotJoined{SlotID: 1, UserID: "local", DisplayName: "Local"})

	st := h.state(t)
	if st.CurrentSlot == nil || *st.CurrentSlot != 1 {
		t.Fatalf("expected seat kept, got %v", st.CurrentSlot)
	}
}

func TestTrackerEchoDoesNotDoubleApply(t *testing.T) {
	h := newSessionHarness(t, false)
	h.bus.deliver(t, core.EventTrackerUpdated, core.TrackerUpdated{TrackerID: "fear", Value: 3})

	if err := h.sess.SetTracker("fear", 4); err != nil {
		t.Fatalf("set: %v", err)
	}
	// Our own event comes back from the channel.
	h.bus.deliver(t, core.EventTrackerUpdated, core.TrackerUpdated{TrackerID: "fear", Value: 4})
	// And once more, duplicated by the transport.
	h.bus.deliver(t, core.EventTrackerUpdated, core.TrackerUpdated{TrackerID: "fear", Value: 4})

	st := h.state(t)
	if len(st.Trackers) != 1 || st.Trackers[0].Value != 4 {
		t.Fatalf("expected fear 4, got %v", st.Trackers)
	}

	pubs := h.bus.published(core.EventTrackerUpdated)
	if len(pubs) != 1 {
		t.Fatalf("expected one publish, got %d", len(pubs))
	}
	if got := pubs[0].(core.TrackerUpdated); got.Value != 4 {
		t.Fatalf("expected published value 4, got %d", got.Value)
	}
}

func TestSetTrackerPublishesClampedValue(t *testing.T) {
	h := newSessionHarness(t, false)
	if err := h.sess.SetTracker(domain.FearTrackerID, 99); err != nil {
		t.Fatalf("set: %v", err)
	}
	pubs := h.bus.published(core.EventTrackerUpdated)
	if len(pubs) != 1 {
		t.Fatalf("expected one publish, got %d", len(pubs))
	}
	if got := pubs[0].(core.TrackerUpdated); got.Value != domain.FearMax {
		t.Fatalf("expected clamp to %d before publish, got %d", domain.FearMax, got.Value)
	}
}

func TestTrackerDeleteIdempotentAcrossBus(t *testing.T) {
	h := newSessionHarness(t, false)
	h.bus.deliver(t, core.EventTrackerUpdated, core.TrackerUpdated{TrackerID: "doom-clock", Value: 5})
	if err := h.sess.DeleteTracker("doom-clock"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	h.bus.deliver(t, core.EventTrackerDeleted, core.TrackerDeleted{TrackerID: "doom-clock"})
	h.bus.deliver(t, core.EventTrackerDeleted, core.TrackerDeleted{TrackerID: "doom-clock"})

	if st := h.state(t); len(st.Trackers) != 0 {
		t.Fatalf("expected no trackers, got %v", st.Trackers)
	}
}

func TestPresencePublishedOnGMSeating(t *testing.T) {
	h := newSessionHarness(t, false)
	h.bus.deliver(t, core.EventSlotJoined, core.SlotJoined{SlotID: 3, UserID: "gm", DisplayName: "GM"})

	st := h.state(t)
	if !st.GMPresent || st.GMSlot == nil || *st.GMSlot != 3 {
		t.Fatalf("expected GM in slot 3, got %+v", st)
	}

	pubs := h.bus.published(core.EventPresenceChanged)
	if len(pubs) != 1 {
		t.Fatalf("expected one presence publish, got %d", len(pubs))
	}
	p := pubs[0].(core.PresenceChanged)
	if !p.GMPresent || p.GMSlotID == nil || *p.GMSlotID != 3 {
		t.Fatalf("unexpected presence payload %+v", p)
	}
}

func TestRemotePresenceConvergesWithoutRepublish(t *testing.T) {
	h := newSessionHarness(t, false)
	slot := 2
	h.bus.deliver(t, core.EventPresenceChanged, core.PresenceChanged{GMPresent: true, GMSlotID: &slot})

	st := h.state(t)
	if !st.GMPresent {
		t.Fatal("expected converged GM presence")
	}
	if pubs := h.bus.published(core.EventPresenceChanged); len(pubs) != 0 {
		t.Fatalf("remote presence must not republish, got %d", len(pubs))
	}
}

func TestConsentDenialBlocksCaptureForever(t *testing.T) {
	h := newSessionHarness(t, true)
	if err := h.sess.Decide(false); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if len(h.exits.scheduled) != 1 || h.exits.scheduled[0] != 10*time.Second {
		t.Fatalf("expected exit scheduled after 10s, got %v", h.exits.scheduled)
	}
	if err := h.sess.StartRecording(); !errors.Is(err, ErrConsentDenied) {
		t.Fatalf("expected ErrConsentDenied, got %v", err)
	}
	if err := h.sess.Decide(true); !errors.Is(err, ErrConsentDecided) {
		t.Fatalf("expected ErrConsentDecided, got %v", err)
	}
	if err := h.sess.JoinSlot(1); !errors.Is(err, ErrConsentDenied) {
		t.Fatalf("expected join blocked, got %v", err)
	}
}

func TestBlockedCaptureStartsOnGrant(t *testing.T) {
	h := newSessionHarness(t, true)
	if err := h.sess.StartRecording(); !errors.Is(err, ErrConsentRequired) {
		t.Fatalf("expected ErrConsentRequired, got %v", err)
	}
	if err := h.sess.Decide(true); err != nil {
		t.Fatalf("decide: %v", err)
	}

	// The epoch was set on the grant transition, so markers get a video time.
	m, err := h.sess.CreateMarker(context.Background(), "ambush")
	if err != nil {
		t.Fatalf("marker: %v", err)
	}
	if m.VideoTime == nil {
		t.Fatal("expected video time after granted recording start")
	}
	if m.STTTime != nil {
		t.Fatal("expected no stt time without speech capture")
	}
}

func TestCreateMarkerPublishesAndDedupes(t *testing.T) {
	h := newSessionHarness(t, false)
	if err := h.sess.Decide(true); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if err := h.sess.StartRecording(); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	if err := h.sess.StartSpeechCapture(); err != nil {
		t.Fatalf("start speech: %v", err)
	}

	m, err := h.sess.CreateMarker(context.Background(), "dragon appears")
	if err != nil {
		t.Fatalf("marker: %v", err)
	}
	if m.ID != "m-1" || m.VideoTime == nil || m.STTTime == nil {
		t.Fatalf("unexpected marker %+v", m)
	}

	h.state(t) // flush the queued publish
	pubs := h.bus.published(core.EventMarkerCreated)
	if len(pubs) != 1 {
		t.Fatalf("expected one marker publish, got %d", len(pubs))
	}

	// The echo lands once in the recent list, duplicates are ignored.
	echo := pubs[0].(core.MarkerCreated)
	h.bus.deliver(t, core.EventMarkerCreated, echo)
	h.bus.deliver(t, core.EventMarkerCreated, echo)
	st := h.state(t)
	if len(st.Markers) != 1 || st.Markers[0].ID != "m-1" {
		t.Fatalf("expected one recent marker, got %v", st.Markers)
	}
}

func TestPeerOfferDoesNotStallLoop(t *testing.T) {
	h := newSessionHarness(t, false)
	h.bus.deliver(t, core.EventSlotJoined, core.SlotJoined{SlotID: 1, UserID: "remote", DisplayName: "R"})

	// Wait for the negotiation result to land on the loop.
	deadline := time.Now().Add(2 * time.Second)
	for h.state(t).Peers["remote"] != core.PeerStateConnected {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for peer link")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Make ICE gathering slow, then ask for an offer.
	gate := make(chan struct{})
	h.factory.conn(0).blockOffers(gate)

	offerDone := make(chan error, 1)
	go func() {
		_, err := h.sess.PeerOffer("remote")
		offerDone <- err
	}()

	// Deliveries and reads must keep flowing while the offer gathers.
	h.bus.deliver(t, core.EventTrackerUpdated, core.TrackerUpdated{TrackerID: "fear", Value: 2})
	stateDone := make(chan SessionState, 1)
	go func() {
		st, err := h.sess.State()
		if err != nil {
			t.Errorf("state: %v", err)
		}
		stateDone <- st
	}()
	select {
	case st := <-stateDone:
		if len(st.Trackers) != 1 || st.Trackers[0].Value != 2 {
			t.Fatalf("expected tracker applied, got %v", st.Trackers)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session loop stalled behind an in-flight offer")
	}

	close(gate)
	if err := <-offerDone; err != nil {
		t.Fatalf("offer: %v", err)
	}
}

func TestResyncReplacesLocalState(t *testing.T) {
	h := newSessionHarness(t, false)
	// Drift in some state the snapshot will contradict.
	if err := h.sess.SetTracker("stale", 9); err != nil {
		t.Fatalf("set: %v", err)
	}
	h.bus.deliver(t, core.EventSlotJoined, core.SlotJoined{SlotID: 1, UserID: "ghost", DisplayName: "Ghost"})

	h.snaps.snap = core.RoomSnapshot{
		Slots: []core.SnapshotSlot{
			{SlotID: 2, UserID: "gm", DisplayName: "GM"},
		},
		Trackers: map[string]int{"fear": 7},
		Consents: map[string]bool{"gm": true},
	}
	if err := h.sess.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}

	st := h.state(t)
	if occ := st.Slots[0].Occupant; occ != nil {
		t.Fatalf("expected ghost cleared, got %v", occ)
	}
	if occ := st.Slots[1].Occupant; occ == nil || occ.ID != "gm" {
		t.Fatalf("expected gm in slot 2, got %v", occ)
	}
	if !st.GMPresent {
		t.Fatal("expected presence recomputed from snapshot")
	}
	if len(st.Trackers) != 1 || st.Trackers[0].ID != "fear" || st.Trackers[0].Value != 7 {
		t.Fatalf("expected fear 7 only, got %v", st.Trackers)
	}
}

func TestResyncFetchErrorLeavesStateAlone(t *testing.T) {
	h := newSessionHarness(t, false)
	if err := h.sess.JoinSlot(1); err != nil {
		t.Fatalf("join: %v", err)
	}
	h.snaps.err = errors.New("snapshot endpoint down")
	if err := h.sess.Resync(context.Background()); err == nil {
		t.Fatal("expected fetch error surfaced")
	}
	st := h.state(t)
	if st.CurrentSlot == nil || *st.CurrentSlot != 1 {
		t.Fatal("failed resync must not clear local state")
	}
}

func TestLeaveSlotWithoutSeatIsNoop(t *testing.T) {
	h := newSessionHarness(t, false)
	if err := h.sess.LeaveSlot(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if pubs := h.bus.published(core.EventSlotLeft); len(pubs) != 0 {
		t.Fatal("leave without seat must not publish")
	}
}

func TestMalformedPayloadIgnored(t *testing.T) {
	h := newSessionHarness(t, false)
	h.bus.subs[core.EventTrackerUpdated]([]byte("{not json"))
	if st := h.state(t); len(st.Trackers) != 0 {
		t.Fatalf("expected no trackers, got %v", st.Trackers)
	}
}
