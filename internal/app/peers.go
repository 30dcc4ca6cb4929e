package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Seance/internal/core"
	"github.com/dkeye/Seance/internal/domain"
)

var (
	ErrNoSuchLink        = errors.New("no peer link for user")
	ErrNegotiationFailed = errors.New("peer negotiation failed")
)

// LinkFactory creates a media connection to one remote participant.
// The rtc adapter provides the production factory; tests provide fakes.
type LinkFactory func(remote domain.Participant) (core.PeerConnection, error)

type peerLink struct {
	remote domain.Participant
	conn   core.PeerConnection
	gen    uint64
}

// PeerCoordinator owns exactly one PeerLink per seated remote participant.
// A link exists iff its remote currently occupies a slot; occupancy and
// media stay independent, so a failed link never unseats anyone.
//
// State is confined to the session loop; negotiation runs off-loop and its
// completion re-enters through dispatch.
type PeerCoordinator struct {
	ctx      context.Context
	local    domain.UserID
	registry *SlotRegistry
	factory  LinkFactory
	retry    RetryPolicy
	dispatch func(func())

	links map[domain.UserID]*peerLink
	gens  map[domain.UserID]uint64

	// OnDegraded surfaces exhausted retries to the UI for that tile only.
	OnDegraded func(remote domain.UserID, err error)
}

func NewPeerCoordinator(ctx context.Context, local domain.UserID, registry *SlotRegistry, factory LinkFactory, retry RetryPolicy, dispatch func(func())) *PeerCoordinator {
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}
	return &PeerCoordinator{
		ctx:      ctx,
		local:    local,
		registry: registry,
		factory:  factory,
		retry:    retry,
		dispatch: dispatch,
		links:    make(map[domain.UserID]*peerLink),
		gens:     make(map[domain.UserID]uint64),
	}
}

// OnOccupantChanged implements OccupancyObserver. Every notification can
// unseat someone: an in-place replacement carries only the new occupant, so
// orphaned links are swept first, on every change.
func (c *PeerCoordinator) OnOccupantChanged(id domain.SlotID, p *domain.Participant) {
	c.dropOrphans()
	if p == nil || p.ID == c.local {
		return
	}
	if _, ok := c.links[p.ID]; ok {
		// Seat moves keep the existing link; media does not renegotiate.
		return
	}
	c.createLink(*p)
}

// createLink starts negotiation for a new link. Calling it while a link
// exists is a programming error.
func (c *PeerCoordinator) createLink(remote domain.Participant) {
	if _, ok := c.links[remote.ID]; ok {
		panic(fmt.Sprintf("peers: duplicate link for %s", remote.ID))
	}
	c.gens[remote.ID]++
	link := &peerLink{remote: remote, gen: c.gens[remote.ID]}
	c.links[remote.ID] = link
	log.Info().Str("module", "app.peers").Str("remote", string(remote.ID)).Uint64("gen", link.gen).Msg("negotiating peer link")
	go c.negotiate(link)
}

func (c *PeerCoordinator) negotiate(link *peerLink) {
	var conn core.PeerConnection
	op := func() error {
		pc, err := c.factory(link.remote)
		if err != nil {
			return err
		}
		if err := pc.Start(c.ctx); err != nil {
			pc.Close()
			return err
		}
		conn = pc
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(c.retry.New(), c.ctx))
	c.dispatch(func() { c.finish(link, conn, err) })
}

// finish applies a negotiation result on the loop. Results are stale when a
// later refresh superseded them or the occupant left mid-flight; stale
// results no-op instead of resurrecting a dead link.
func (c *PeerCoordinator) finish(link *peerLink, conn core.PeerConnection, err error) {
	cur, ok := c.links[link.remote.ID]
	stale := !ok || cur.gen != link.gen
	if _, seated := c.registry.SlotOf(link.remote.ID); !seated {
		stale = true
	}
	if stale {
		if conn != nil {
			conn.Close()
		}
		log.Debug().Str("module", "app.peers").Str("remote", string(link.remote.ID)).Msg("stale negotiation result dropped")
		return
	}
	if err != nil {
		delete(c.links, link.remote.ID)
		log.Warn().Err(err).Str("module", "app.peers").Str("remote", string(link.remote.ID)).Msg("negotiation exhausted retries")
		if c.OnDegraded != nil {
			c.OnDegraded(link.remote.ID, fmt.Errorf("%w: %w", ErrNegotiationFailed, err))
		}
		return
	}
	cur.conn = conn
	log.Info().Str("module", "app.peers").Str("remote", string(link.remote.ID)).Msg("peer link up")
}

// Refresh tears down and recreates a single link without touching others.
func (c *PeerCoordinator) Refresh(remote domain.UserID) error {
	link, ok := c.links[remote]
	if !ok {
		return ErrNoSuchLink
	}
	c.closeLink(link)
	delete(c.links, remote)
	c.createLink(link.remote)
	return nil
}

// RefreshAll recreates every link from current registry state. Used when
// the local connection is unhealthy and a full renegotiation is warranted.
func (c *PeerCoordinator) RefreshAll() {
	for uid, link := range c.links {
		c.closeLink(link)
		delete(c.links, uid)
	}
	for _, s := range c.registry.Snapshot() {
		if s.Occupant != nil && s.Occupant.ID != c.local {
			c.createLink(*s.Occupant)
		}
	}
}

// dropOrphans closes links whose remotes no longer hold any seat.
func (c *PeerCoordinator) dropOrphans() {
	for uid, link := range c.links {
		if _, seated := c.registry.SlotOf(uid); seated {
			continue
		}
		c.closeLink(link)
		delete(c.links, uid)
		log.Info().Str("module", "app.peers").Str("remote", string(uid)).Msg("peer link dropped")
	}
}

// closeLink closes the connection and invalidates any in-flight negotiation.
func (c *PeerCoordinator) closeLink(link *peerLink) {
	c.gens[link.remote.ID]++
	if link.conn != nil {
		link.conn.Close()
	}
}

func (c *PeerCoordinator) HasLink(remote domain.UserID) bool {
	_, ok := c.links[remote]
	return ok
}

func (c *PeerCoordinator) LinkCount() int { return len(c.links) }

// States returns the negotiation state per remote for the UI.
func (c *PeerCoordinator) States() map[domain.UserID]core.PeerState {
	out := make(map[domain.UserID]core.PeerState, len(c.links))
	for uid, link := range c.links {
		if link.conn == nil {
			out[uid] = core.PeerStateConnecting
			continue
		}
		out[uid] = link.conn.State()
	}
	return out
}

// Link returns the live connection for SDP/ICE plumbing.
func (c *PeerCoordinator) Link(remote domain.UserID) (core.PeerConnection, error) {
	link, ok := c.links[remote]
	if !ok || link.conn == nil {
		return nil, ErrNoSuchLink
	}
	return link.conn, nil
}
