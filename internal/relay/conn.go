// Package relay manages the client side of relay connections: a single
// websocket with rotation and backoff, and a subscription router
// multiplexing logical subscriptions over it.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrNoConnection means no relay connection became available within the
	// bounded wait.
	ErrNoConnection = errors.New("relay: no open connection")
	// ErrSend means the frame could not be transmitted.
	ErrSend = errors.New("relay: send failed")
	// ErrNoRelays means the manager was configured with an empty relay list.
	ErrNoRelays = errors.New("relay: no relay addresses configured")
)

// Connection states.
type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateOpen
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
	defaultDialTimeout = 10 * time.Second
	defaultOpenWait    = 12 * time.Second

	// Backoff attempt clamp: the delay plateaus instead of growing unbounded.
	maxBackoffShift = 5
)

// Config holds connection manager settings.
type Config struct {
	Relays      []string
	DialTimeout time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// ConnManager owns at most one physical relay connection at a time. On
// error or close it rotates to the next relay address and reconnects after
// an exponential backoff with jitter. Every connection attempt carries a
// generation number; callbacks from superseded connections are discarded.
type ConnManager struct {
	cfg    Config
	dialer *websocket.Dialer

	mu          sync.Mutex
	conn        *websocket.Conn
	state       connState
	relayIndex  int
	retryCount  int
	generation  uint64
	manualClose bool
	retryTimer  *time.Timer
	waiters     []chan struct{}
	rng         *rand.Rand

	onState func(connected bool)
	onFrame func(data []byte)
	onReset func()
}

// NewConnManager creates a connection manager. It does not dial until
// Connect is called.
func NewConnManager(cfg Config) *ConnManager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	return &ConnManager{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetStateListener registers the connected/disconnected notification hook.
func (c *ConnManager) SetStateListener(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// setFrameHandler and setResetHandler are wired by the Router.
func (c *ConnManager) setFrameHandler(fn func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = fn
}

func (c *ConnManager) setResetHandler(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReset = fn
}

// Connect opens a connection to the relay at the current rotation index.
// It is a no-op while a connection is open or already being established,
// which is what enforces the single-socket invariant.
func (c *ConnManager) Connect() error {
	c.mu.Lock()
	if len(c.cfg.Relays) == 0 {
		c.mu.Unlock()
		return ErrNoRelays
	}
	if c.state == stateOpen || c.state == stateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.manualClose = false
	c.generation++
	gen := c.generation
	c.state = stateConnecting
	url := c.cfg.Relays[c.relayIndex]
	c.mu.Unlock()

	go c.dial(gen, url)
	return nil
}

// Connected reports whether a connection is currently open.
func (c *ConnManager) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

func (c *ConnManager) dial(gen uint64, url string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		slog.Warn("relay dial failed", "relay", url, "error", err)
		c.handleDisconnect(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.generation || c.manualClose {
		// A Close (or a newer connection) superseded this dial.
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = stateOpen
	c.retryCount = 0
	notify := c.onState
	c.resolveWaitersLocked()
	c.mu.Unlock()

	slog.Info("relay connected", "relay", url)
	if notify != nil {
		notify(true)
	}
	go c.readPump(gen, conn)
}

func (c *ConnManager) readPump(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		c.mu.Lock()
		handler := c.onFrame
		c.mu.Unlock()
		if handler != nil {
			handler(data)
		}
	}
}

// handleDisconnect runs for both dial failures and read errors. Callbacks
// from a superseded generation are discarded.
func (c *ConnManager) handleDisconnect(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	notify := c.onState
	if c.manualClose {
		c.state = stateIdle
		c.mu.Unlock()
		if notify != nil {
			notify(false)
		}
		return
	}

	// Rotate to the next relay and schedule a reconnect.
	c.relayIndex = (c.relayIndex + 1) % len(c.cfg.Relays)
	delay := c.backoffDelayLocked(c.retryCount)
	c.retryCount++
	c.state = stateConnecting
	c.retryTimer = time.AfterFunc(delay, c.redial)
	nextRelay := c.cfg.Relays[c.relayIndex]
	retries := c.retryCount
	c.mu.Unlock()

	slog.Warn("relay disconnected", "error", err, "next_relay", nextRelay, "retry", retries, "delay", delay)
	if notify != nil {
		notify(false)
	}
}

func (c *ConnManager) redial() {
	c.mu.Lock()
	if c.manualClose {
		c.state = stateIdle
		c.mu.Unlock()
		return
	}
	c.generation++
	gen := c.generation
	c.state = stateConnecting
	url := c.cfg.Relays[c.relayIndex]
	c.mu.Unlock()

	go c.dial(gen, url)
}

// backoffDelayLocked computes min(cap, base*2^attempt) plus uniform jitter
// of up to 40% of the delay.
func (c *ConnManager) backoffDelayLocked(attempt int) time.Duration {
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	delay := c.cfg.BackoffBase << uint(attempt)
	if delay > c.cfg.BackoffCap {
		delay = c.cfg.BackoffCap
	}
	jitter := time.Duration(c.rng.Int63n(int64(delay*2/5) + 1))
	return delay + jitter
}

// Close tears the connection down and suppresses auto-reconnect until the
// next Connect call. Idempotent: a second Close is a no-op.
func (c *ConnManager) Close() {
	c.mu.Lock()
	c.manualClose = true
	c.generation++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.relayIndex = 0
	c.retryCount = 0
	wasIdle := c.state == stateIdle && c.conn == nil
	c.state = stateIdle
	conn := c.conn
	c.conn = nil
	notify := c.onState
	reset := c.onReset
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if reset != nil {
		reset()
	}
	if notify != nil && !wasIdle {
		notify(false)
	}
}

// Send transmits a single frame on the open connection. Writes are
// serialized under the manager lock (gorilla allows one writer at a time).
func (c *ConnManager) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen || c.conn == nil {
		return ErrNoConnection
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Join(ErrSend, err)
	}
	return nil
}

// WaitOpen blocks until the connection is open or the context expires.
// Waiters are resolved on the transition to open, so there is no polling.
func (c *ConnManager) WaitOpen(ctx context.Context) error {
	c.mu.Lock()
	if c.state == stateOpen {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrNoConnection, ctx.Err())
	}
}

func (c *ConnManager) resolveWaitersLocked() {
	for _, ch := range c.waiters {
		close(ch)
	}
	c.waiters = nil
}
