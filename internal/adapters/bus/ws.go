// Package bus is the websocket adapter for the external room channel.
// It carries no business logic: envelopes in, envelopes out.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Seance/internal/core"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrRateLimited  = errors.New("publish rate limited")
	ErrClosed       = errors.New("bus connection closed")
)

// Options tune one room-channel connection.
type Options struct {
	URL             string
	ReadLimit       int64
	PingPeriod      time.Duration
	PublishLimit    int
	PublishInterval time.Duration
}

// Client implements core.Bus over a single websocket per room channel.
// The channel gives at-least-once, per-channel FIFO delivery; nothing
// survives a reconnect, so OnReconnect lets the session resync.
type Client struct {
	opts    Options
	limiter *PublishLimiter
	send    chan []byte

	mu          sync.RWMutex
	subs        map[core.EventType][]func([]byte)
	closed      bool
	onReconnect func()
}

func New(opts Options) *Client {
	if opts.PingPeriod == 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.PublishLimit == 0 {
		opts.PublishLimit = 30
	}
	if opts.PublishInterval == 0 {
		opts.PublishInterval = time.Second
	}
	return &Client{
		opts:    opts,
		limiter: NewPublishLimiter(opts.PublishLimit, opts.PublishInterval),
		send:    make(chan []byte, 32),
		subs:    make(map[core.EventType][]func([]byte)),
	}
}

// Subscribe registers a handler for one event type. Handlers run on the
// read pump goroutine and must not block.
func (c *Client) Subscribe(t core.EventType, h func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[t] = append(c.subs[t], h)
}

// Publish frames the payload and hands it to the write pump. It never
// awaits delivery; a full send buffer is backpressure, not a stall.
func (c *Client) Publish(t core.EventType, payload any) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !c.limiter.Allow() {
		return ErrRateLimited
	}
	data, err := core.EncodeEnvelope(t, payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// OnReconnect registers the resync hook fired after every successful
// reconnect (not the first connect).
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

// Run dials the channel and keeps it alive until ctx is done, reconnecting
// with capped exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	defer c.close()
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 10 * time.Second
	first := true
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Str("module", "bus").Str("url", c.opts.URL).Msg("dial failed")
			if err := waitBackoff(ctx, b); err != nil {
				return err
			}
			continue
		}
		if c.opts.ReadLimit > 0 {
			conn.SetReadLimit(c.opts.ReadLimit)
		}
		b.Reset()
		log.Info().Str("module", "bus").Str("url", c.opts.URL).Msg("channel connected")
		if !first {
			c.mu.RLock()
			fn := c.onReconnect
			c.mu.RUnlock()
			if fn != nil {
				fn()
			}
		}
		first = false

		c.pump(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Str("module", "bus").Msg("channel lost, reconnecting")
		if err := waitBackoff(ctx, b); err != nil {
			return err
		}
	}
}

func waitBackoff(ctx context.Context, b backoff.BackOff) error {
	select {
	case <-time.After(b.NextBackOff()):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pump runs the read and write loops for one connection and returns when
// either dies.
func (c *Client) pump(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.readPump(ctx, conn)
	}()
	c.writePump(ctx, conn)
	cancel()
	<-done
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Error().Err(err).Str("module", "bus").Msg("ping failed")
				return
			}
		case data := <-c.send:
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "bus").Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "bus").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("module", "bus").Msg("readPump read error")
			}
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one frame to subscribers. Unknown event types are part
// of the open wire but not of the closed local set: log and drop.
func (c *Client) dispatch(data []byte) {
	env, err := core.DecodeEnvelope(data)
	if err != nil {
		log.Error().Err(err).Str("module", "bus").Msg("bad envelope")
		return
	}
	c.mu.RLock()
	handlers := c.subs[env.Type]
	c.mu.RUnlock()
	if len(handlers) == 0 {
		log.Warn().Str("module", "bus").Str("type", string(env.Type)).Msg("unknown event ignored")
		return
	}
	for _, h := range handlers {
		h(env.Payload)
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
