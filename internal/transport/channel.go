// Package transport owns the duplex connection to the relay:
// connect, identity registration, heartbeats, reconnection with
// exponential backoff, an ordered outbox for sends issued while
// disconnected, and demultiplexing of inbound events to registered
// handlers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pairlink/internal/debuglog"
	"pairlink/internal/envelope"
	"pairlink/internal/metrics"
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrRegisterTimeout   = errors.New("identity registration timed out")
	ErrSendFailed        = errors.New("send failed")
	ErrOutboxFull        = errors.New("outbox full")
	ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")
	ErrClosed            = errors.New("channel closed")
)

// Dialer opens the underlying duplex byte stream.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

type Handler func(env envelope.Envelope)

type Config struct {
	Identity string
	Dialer   Dialer
	Metrics  *metrics.Metrics

	HeartbeatEvery  time.Duration
	RegisterTimeout time.Duration
	DialTimeout     time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	BackoffJitter   time.Duration
	MaxAttempts     int
	OutboxCap       int
}

func (cfg *Config) fillDefaults() {
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = heartbeatInterval()
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = registerTimeout()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = dialTimeout()
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = backoffBase()
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = backoffCap()
	}
	if cfg.BackoffJitter < 0 {
		cfg.BackoffJitter = backoffJitter()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = maxAttempts()
	}
	if cfg.OutboxCap <= 0 {
		cfg.OutboxCap = outboxCap()
	}
}

// Channel is the resilient duplex channel for one local identity.
// At most one Channel operates on an identity's state at a time;
// enforcing that is the embedding application's job.
type Channel struct {
	cfg Config

	mu       sync.Mutex
	state    ConnState
	attempt  int
	lastErr  error
	outbox   []envelope.Envelope
	handlers map[string][]Handler
	downFns  []func(error)
	conn     io.ReadWriteCloser
	connGen  int
	ackCh    chan ackResult
	closed   bool

	writeMu   sync.Mutex
	wake      chan struct{}
	pongCount atomic.Uint64
	rng       *rand.Rand
	rngMu     sync.Mutex

	runCtx context.Context
	cancel context.CancelFunc
}

type ackResult struct {
	eventID string
}

func New(cfg Config) (*Channel, error) {
	if cfg.Identity == "" {
		return nil, fmt.Errorf("missing identity")
	}
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("missing dialer")
	}
	cfg.fillDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:      cfg,
		state:    StateDisconnected,
		handlers: make(map[string][]Handler),
		wake:     make(chan struct{}, 1),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		runCtx:   ctx,
		cancel:   cancel,
	}, nil
}

// On registers a handler for an inbound event name. Multiple handlers
// per name are supported; registration order is invocation order.
func (c *Channel) On(eventName string, fn func(env envelope.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventName] = append(c.handlers[eventName], fn)
}

// OnDown registers a callback fired when reconnection gives up after
// the attempt cap. The caller may call Connect again to retrigger.
func (c *Channel) OnDown(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downFns = append(c.downFns, fn)
}

func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Attempt: c.attempt, Outboxed: len(c.outbox), LastErr: c.lastErr}
}

// Connect dials the relay and performs the identity-registration
// round trip. A failed attempt transitions to Reconnecting and the
// backoff loop takes over; the first attempt's error is returned so
// the caller sees why.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.attempt = 0
	c.mu.Unlock()

	if err := c.attemptOnce(ctx); err != nil {
		c.mu.Lock()
		c.state = StateReconnecting
		c.lastErr = err
		c.mu.Unlock()
		go c.reconnectLoop()
		return err
	}
	return nil
}

// Send queues an envelope on the ordered outbox. Delivery happens
// once Connected, in FIFO order; submission order to the same peer is
// preserved.
func (c *Channel) Send(env envelope.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if len(c.outbox) >= c.cfg.OutboxCap {
		c.mu.Unlock()
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.IncOutboxOverflows()
		}
		return ErrOutboxFull
	}
	c.outbox = append(c.outbox, env)
	c.mu.Unlock()
	c.wakeWriter()
	return nil
}

// Disconnect tears the channel down for good. Lifecycle is tied to
// logout; a new login builds a new Channel.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateDisconnected
	conn := c.conn
	c.conn = nil
	c.connGen++
	c.mu.Unlock()
	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Channel) wakeWriter() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) attemptOnce(ctx context.Context) error {
	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.cfg.Dialer.Dial(dialCtx)
	cancelDial()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	regID := uuid.NewString()
	reg := envelope.Envelope{
		Type:    envelope.EventRegister,
		From:    c.cfg.Identity,
		EventID: regID,
		TS:      time.Now().Unix(),
	}
	if err := c.writeFrame(conn, reg); err != nil {
		_ = conn.Close()
		return fmt.Errorf("register: %w", err)
	}

	ackCh := make(chan ackResult, 4)
	c.mu.Lock()
	c.connGen++
	gen := c.connGen
	c.conn = conn
	c.ackCh = ackCh
	c.mu.Unlock()
	go c.readLoop(conn, gen)

	timer := time.NewTimer(c.cfg.RegisterTimeout)
	defer timer.Stop()
	for {
		select {
		case ack, ok := <-ackCh:
			if !ok {
				return fmt.Errorf("%w: connection lost during registration", ErrRegisterTimeout)
			}
			if ack.eventID != regID {
				continue
			}
		case <-timer.C:
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.IncRegisterTimeouts()
			}
			c.teardownConn(gen)
			return ErrRegisterTimeout
		case <-ctx.Done():
			c.teardownConn(gen)
			return ctx.Err()
		}
		break
	}

	c.mu.Lock()
	c.state = StateConnected
	c.lastErr = nil
	c.ackCh = nil
	c.mu.Unlock()
	go c.writeLoop(conn, gen)
	go c.heartbeatLoop(conn, gen)
	c.wakeWriter()
	return nil
}

// teardownConn invalidates a connection without scheduling a
// reconnect; used during a failed attempt, where the surrounding
// loop decides what happens next.
func (c *Channel) teardownConn(gen int) {
	c.mu.Lock()
	if gen != c.connGen {
		c.mu.Unlock()
		return
	}
	c.connGen++
	conn := c.conn
	c.conn = nil
	if c.ackCh != nil {
		close(c.ackCh)
		c.ackCh = nil
	}
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// dropConn handles a live connection failing: any transport-level
// error forces a transition to Reconnecting.
func (c *Channel) dropConn(gen int, err error) {
	c.mu.Lock()
	if gen != c.connGen || c.closed {
		c.mu.Unlock()
		return
	}
	c.connGen++
	conn := c.conn
	c.conn = nil
	if c.ackCh != nil {
		close(c.ackCh)
		c.ackCh = nil
	}
	wasConnected := c.state == StateConnected
	c.lastErr = err
	if wasConnected {
		c.state = StateReconnecting
	}
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.IncReconnects()
		}
		debuglog.Debugf("transport drop err=%v", err)
		go c.reconnectLoop()
	}
}

func (c *Channel) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		if attempt > c.cfg.MaxAttempts {
			c.mu.Lock()
			c.state = StateDisconnected
			c.lastErr = ErrAttemptsExhausted
			fns := append(([]func(error))(nil), c.downFns...)
			c.mu.Unlock()
			debuglog.Logf("transport gave up after %d attempts", c.cfg.MaxAttempts)
			for _, fn := range fns {
				fn(ErrAttemptsExhausted)
			}
			return
		}
		delay := c.backoffDelay(attempt)
		select {
		case <-c.runCtx.Done():
			return
		case <-time.After(delay):
		}
		c.mu.Lock()
		if c.state != StateReconnecting || c.closed {
			c.mu.Unlock()
			return
		}
		c.attempt = attempt
		c.mu.Unlock()
		if err := c.attemptOnce(c.runCtx); err != nil {
			c.mu.Lock()
			c.lastErr = err
			c.mu.Unlock()
			debuglog.RateLimitedf("reconnect", 5*time.Second, "transport reconnect attempt=%d err=%v", attempt, err)
			continue
		}
		return
	}
}

func (c *Channel) backoffDelay(attempt int) time.Duration {
	d := BackoffDelay(attempt, c.cfg.BackoffBase, c.cfg.BackoffCap)
	if c.cfg.BackoffJitter > 0 {
		c.rngMu.Lock()
		d += time.Duration(c.rng.Int63n(int64(c.cfg.BackoffJitter)))
		c.rngMu.Unlock()
		if d > c.cfg.BackoffCap {
			d = c.cfg.BackoffCap
		}
	}
	return d
}

// BackoffDelay is the jitter-free reconnect delay: base doubled per
// attempt, capped.
func BackoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	d := base * time.Duration(1<<shift)
	if d <= 0 || d > cap {
		return cap
	}
	return d
}

func (c *Channel) writeFrame(conn io.Writer, env envelope.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return envelope.WriteEnvelope(conn, env)
}

func (c *Channel) readLoop(conn io.ReadWriteCloser, gen int) {
	for {
		env, err := envelope.ReadEnvelope(conn)
		if err != nil {
			c.dropConn(gen, err)
			return
		}
		switch env.Type {
		case envelope.EventRegisterAck:
			c.mu.Lock()
			ch := c.ackCh
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- ackResult{eventID: env.EventID}:
				default:
				}
			}
		case envelope.EventPing:
			pong := envelope.Envelope{
				Type:    envelope.EventPong,
				From:    c.cfg.Identity,
				EventID: env.EventID,
				TS:      time.Now().Unix(),
			}
			if err := c.writeFrame(conn, pong); err != nil {
				c.dropConn(gen, err)
				return
			}
		case envelope.EventPong:
			c.pongCount.Add(1)
		default:
			c.dispatch(env)
		}
	}
}

func (c *Channel) dispatch(env envelope.Envelope) {
	c.mu.Lock()
	fns := append([]Handler(nil), c.handlers[env.Type]...)
	c.mu.Unlock()
	if len(fns) == 0 {
		debuglog.RateLimitedf("unhandled:"+env.Type, 10*time.Second, "transport dropping unhandled event %s from=%s", env.Type, env.From)
		return
	}
	for _, fn := range fns {
		fn(env)
	}
}

func (c *Channel) writeLoop(conn io.ReadWriteCloser, gen int) {
	defer c.wakeWriter()
	for {
		for {
			c.mu.Lock()
			if gen != c.connGen || c.state != StateConnected {
				c.mu.Unlock()
				return
			}
			if len(c.outbox) == 0 {
				c.mu.Unlock()
				break
			}
			env := c.outbox[0]
			c.mu.Unlock()

			if err := c.writeFrame(conn, env); err != nil {
				// The head entry stays queued for the next connection;
				// the peer's dedup ledger absorbs a possible duplicate.
				c.dropConn(gen, err)
				return
			}
			c.mu.Lock()
			if len(c.outbox) > 0 {
				c.outbox = c.outbox[1:]
			}
			c.mu.Unlock()
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.IncOutboxFlushed()
			}
		}
		select {
		case <-c.runCtx.Done():
			return
		case <-c.wake:
		}
	}
}

func (c *Channel) heartbeatLoop(conn io.ReadWriteCloser, gen int) {
	ticker := time.NewTicker(c.cfg.HeartbeatEvery)
	defer ticker.Stop()
	misses := 0
	lastPong := c.pongCount.Load()
	sent := false
	for {
		select {
		case <-c.runCtx.Done():
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		stale := gen != c.connGen || c.state != StateConnected
		c.mu.Unlock()
		if stale {
			return
		}
		if sent {
			now := c.pongCount.Load()
			if now == lastPong {
				misses++
				if c.cfg.Metrics != nil {
					c.cfg.Metrics.IncHeartbeatMisses()
				}
				if misses >= heartbeatMissLimit {
					c.dropConn(gen, fmt.Errorf("%d heartbeat acks missed", misses))
					return
				}
			} else {
				misses = 0
			}
			lastPong = now
		}
		ping := envelope.Envelope{
			Type:    envelope.EventPing,
			From:    c.cfg.Identity,
			EventID: uuid.NewString(),
			TS:      time.Now().Unix(),
		}
		if err := c.writeFrame(conn, ping); err != nil {
			c.dropConn(gen, err)
			return
		}
		sent = true
	}
}
