package app

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Seance/internal/domain"
)

var (
	// ErrConsentRequired is a normal gating outcome, not a fault to log.
	ErrConsentRequired = errors.New("consent required")
	ErrConsentDenied   = errors.New("consent denied")
	ErrConsentDecided  = errors.New("consent already decided")
)

// ExitScheduler schedules the local participant's exit after a denial,
// behind a short user-visible countdown.
type ExitScheduler interface {
	ScheduleExit(after time.Duration)
}

// ConsentGate holds the per-participant capture-consent state machine.
// Undecided -> Granted | Denied; both terminal within the room session.
// Records are never deleted within a room's lifetime.
type ConsentGate struct {
	roomID    domain.RoomID
	localUser domain.UserID
	countdown time.Duration
	exits     ExitScheduler
	now       func() time.Time

	records map[domain.UserID]*domain.ConsentRecord
	waiters map[domain.UserID][]func()
}

func NewConsentGate(roomID domain.RoomID, localUser domain.UserID, countdown time.Duration, exits ExitScheduler) *ConsentGate {
	return &ConsentGate{
		roomID:    roomID,
		localUser: localUser,
		countdown: countdown,
		exits:     exits,
		now:       time.Now,
		records:   make(map[domain.UserID]*domain.ConsentRecord),
		waiters:   make(map[domain.UserID][]func()),
	}
}

func (g *ConsentGate) record(uid domain.UserID) *domain.ConsentRecord {
	rec, ok := g.records[uid]
	if !ok {
		rec = &domain.ConsentRecord{RoomID: g.roomID, UserID: uid, Decision: domain.ConsentUndecided}
		g.records[uid] = rec
	}
	return rec
}

func (g *ConsentGate) StatusFor(uid domain.UserID) domain.ConsentState {
	if rec, ok := g.records[uid]; ok {
		return rec.Decision
	}
	return domain.ConsentUndecided
}

// Decide records the owning participant's explicit choice. Only the
// Undecided state transitions; repeat decisions are rejected.
func (g *ConsentGate) Decide(uid domain.UserID, granted bool) error {
	rec := g.record(uid)
	if rec.Decision != domain.ConsentUndecided {
		return ErrConsentDecided
	}
	g.transition(rec, granted)
	return nil
}

// ApplyRemote converges on a consent event from the bus. Granted is sticky;
// a conflicting transition out of a terminal state is ignored.
func (g *ConsentGate) ApplyRemote(uid domain.UserID, granted bool) {
	rec := g.record(uid)
	if rec.Decision != domain.ConsentUndecided {
		want := domain.ConsentDenied
		if granted {
			want = domain.ConsentGranted
		}
		if rec.Decision != want {
			log.Warn().Str("module", "app.consent").Str("user", string(uid)).Str("have", string(rec.Decision)).Msg("conflicting consent event ignored")
		}
		return
	}
	g.transition(rec, granted)
}

func (g *ConsentGate) transition(rec *domain.ConsentRecord, granted bool) {
	rec.DecidedAt = g.now()
	if granted {
		rec.Decision = domain.ConsentGranted
		g.release(rec.UserID)
		log.Info().Str("module", "app.consent").Str("user", string(rec.UserID)).Msg("consent granted")
		return
	}
	rec.Decision = domain.ConsentDenied
	delete(g.waiters, rec.UserID)
	log.Info().Str("module", "app.consent").Str("user", string(rec.UserID)).Msg("consent denied")
	if rec.UserID == g.localUser && g.exits != nil {
		g.exits.ScheduleExit(g.countdown)
	}
}

func (g *ConsentGate) release(uid domain.UserID) {
	for _, fn := range g.waiters[uid] {
		fn()
	}
	delete(g.waiters, uid)
}

// RequireConsent gates capability start. It is called on the join path,
// before any live-capture media flows, and fails fast while Undecided.
func (g *ConsentGate) RequireConsent(uid domain.UserID) error {
	switch g.StatusFor(uid) {
	case domain.ConsentGranted:
		return nil
	case domain.ConsentDenied:
		return ErrConsentDenied
	default:
		return ErrConsentRequired
	}
}

// OnGranted registers a blocked capability start to be unblocked on the
// grant transition itself, not at the next start attempt. Already-granted
// runs immediately; denied discards.
func (g *ConsentGate) OnGranted(uid domain.UserID, fn func()) {
	switch g.StatusFor(uid) {
	case domain.ConsentGranted:
		fn()
	case domain.ConsentDenied:
	default:
		g.waiters[uid] = append(g.waiters[uid], fn)
	}
}

// Reset replays decisions from a room snapshot; granted stays sticky
// across reconnects.
func (g *ConsentGate) Reset(decisions map[domain.UserID]bool) {
	for uid, granted := range decisions {
		g.ApplyRemote(uid, granted)
	}
}
