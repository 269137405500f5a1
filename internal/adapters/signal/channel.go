// Package signal implements the client side of the signaling channel: one
// logical websocket connection that survives drops. Reconnection, outbound
// queueing and resynchronization are internal; callers just Send and
// subscribe.
package signal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/Neb-iyu/facetime-app/internal/core"
)

const maxBackoffShift = 6

type Options struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	QueueLimit    int
}

func (o *Options) defaults() {
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.QueueLimit <= 0 {
		o.QueueLimit = 256
	}
}

// Channel owns the signaling connection. All methods are safe for
// concurrent use.
type Channel struct {
	mu      sync.Mutex
	url     string
	token   string
	dialer  Dialer
	conn    Conn
	gen     int // connection generation, invalidates stale read pumps
	queue   outboundQueue
	attempt int
	retry   *time.Timer
	stopped bool
	resync  core.CallResyncer
	opts    Options

	subs subscribers
	wg   conc.WaitGroup
}

func NewChannel(url, token string, opts Options) *Channel {
	opts.defaults()
	return &Channel{
		url:    url,
		token:  token,
		dialer: wsDialer{},
		queue:  outboundQueue{limit: opts.QueueLimit},
		opts:   opts,
	}
}

// Configure replaces the connection target and credential. Takes effect on
// the next dial; does not connect.
func (c *Channel) Configure(url, token string) {
	c.mu.Lock()
	c.url = url
	c.token = token
	c.mu.Unlock()
}

// SetResyncer registers the call-state resynchronizer consulted after every
// successful reconnect.
func (c *Channel) SetResyncer(r core.CallResyncer) {
	c.mu.Lock()
	c.resync = r
	c.mu.Unlock()
}

// Connect establishes the connection if not already open. A failed dial
// schedules a retry instead of surfacing an error; an already-open channel
// is left alone. An empty token keeps the configured credential.
func (c *Channel) Connect(token string) {
	c.mu.Lock()
	if token != "" {
		c.token = token
	}
	c.stopped = false
	if c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.dial()
}

// Disconnect permanently stops automatic reconnection and closes the active
// connection. Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.gen++
	}
	c.mu.Unlock()
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send transmits a typed message, or queues it while disconnected and makes
// sure a reconnect attempt is scheduled. Never fails the caller.
func (c *Channel) Send(t core.MessageType, payload any) {
	env, err := core.NewEnvelope(t, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("type", string(t)).Msg("encode payload")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		if c.writeLocked(env) {
			return
		}
		// write failed; connection dropped, fall through to the queue
	}
	if c.queue.push(env) {
		log.Warn().Str("module", "signal").Str("type", string(t)).Int("queued", c.queue.len()).Msg("pending queue full, evicted")
	}
	c.scheduleReconnectLocked()
}

// writeLocked marshals and writes one envelope. On failure the connection
// is torn down and a reconnect scheduled; returns false so the caller can
// queue the envelope.
func (c *Channel) writeLocked(env core.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode envelope")
		return true // unsendable, not a transport fault
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("write failed, connection lost")
		c.dropConnLocked()
		c.scheduleReconnectLocked()
		return false
	}
	return true
}

func (c *Channel) dropConnLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.gen++
	}
}

func (c *Channel) dial() {
	c.mu.Lock()
	if c.stopped || c.conn != nil {
		c.mu.Unlock()
		return
	}
	target := authURL(c.url, c.token)
	c.mu.Unlock()

	conn, err := c.dialer.Dial(target)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Int("attempt", c.attempt).Msg("dial failed")
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		// a concurrent dial won while this one was in flight; close the
		// duplicate instead of displacing the live connection
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.attempt = 0
	c.gen++
	gen := c.gen
	log.Info().Str("module", "signal").Int("pending", c.queue.len()).Msg("connected")
	c.flushLocked()
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		return
	}
	c.wg.Go(func() { c.readPump(conn, gen) })
	c.resyncCall()
}

// flushLocked drains the pending queue in original order. A write failure
// keeps the remaining entries queued for the next reconnect.
func (c *Channel) flushLocked() {
	for {
		env, ok := c.queue.peek()
		if !ok {
			return
		}
		if !c.writeLocked(env) {
			return
		}
		c.queue.pop()
	}
}

// resyncCall tells the server we are back inside an active call. Runs after
// the queue flush so resync messages never overtake queued ones.
func (c *Channel) resyncCall() {
	c.mu.Lock()
	r := c.resync
	c.mu.Unlock()
	if r == nil {
		return
	}
	st, ok := r.ReconnectState()
	if !ok {
		return
	}
	c.Send(core.MsgReconnect, st)
	if !st.PcAlive {
		return
	}
	if offer, ok := r.RenewOffer(); ok {
		c.Send(core.MsgCallOffer, offer)
	}
}

func (c *Channel) scheduleReconnectLocked() {
	if c.stopped || c.retry != nil {
		return
	}
	d := backoffDelay(c.opts.ReconnectBase, c.opts.ReconnectMax, c.attempt)
	c.attempt++
	c.retry = time.AfterFunc(d, func() {
		c.mu.Lock()
		c.retry = nil
		c.mu.Unlock()
		c.dial()
	})
	log.Info().Str("module", "signal").Dur("delay", d).Int("attempt", c.attempt).Msg("reconnect scheduled")
}

// backoffDelay computes min(max, base * 2^min(attempt, maxBackoffShift)).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	d := base << uint(attempt)
	if d > max {
		d = max
	}
	return d
}

func (c *Channel) readPump(conn Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.gen != gen
			if !stale {
				c.conn = nil
				c.gen++
				c.scheduleReconnectLocked()
			}
			stopped := c.stopped
			c.mu.Unlock()
			if !stale && !stopped {
				log.Warn().Err(err).Str("module", "signal").Msg("connection lost")
			}
			return
		}
		c.dispatch(data)
	}
}

// dispatch decodes one inbound envelope and fans it out to the subscribers
// of its kind. Malformed frames and unknown kinds are dropped; a bad
// message never terminates the pump.
func (c *Channel) dispatch(data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("malformed message dropped")
		return
	}
	if n := c.subs.dispatch(env.Type, env.Payload); n == 0 {
		log.Debug().Str("module", "signal").Str("type", string(env.Type)).Msg("unhandled message")
	}
}
