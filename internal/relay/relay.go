// Package relay is the live session relay: it tracks which children are
// currently playing, fans game events out to the monitors watching each
// child, and catches late-joining monitors up with a snapshot of the
// session in progress.
//
// All state changes happen on one goroutine (Run). Each inbound message is
// fully handled, store mutation and fan-out, before the next is taken off
// the queue, which gives every child's room a total order of events.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/playtrack/backend/internal/session"
)

// ErrClosed is returned by Submit once the relay has stopped.
var ErrClosed = errors.New("relay closed")

// Conn is a connection the relay can deliver messages to. Send must not
// block; it reports false when the message could not be queued.
type Conn interface {
	ID() string
	Send(Outbound) bool
}

// Config holds the tunables that may change while the relay runs.
type Config struct {
	// QueueSize is the inbound queue capacity. Only read by New.
	QueueSize int
	// IdleTimeout evicts sessions with no progress for this long. Zero
	// disables eviction.
	IdleTimeout time.Duration
	// SweepInterval is how often idle sessions are looked for. Defaults to
	// a quarter of IdleTimeout.
	SweepInterval time.Duration
}

func (c Config) sweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	if c.IdleTimeout > 0 {
		return max(c.IdleTimeout/4, time.Second)
	}
	return 0
}

// Stats is a point-in-time view of relay activity.
type Stats struct {
	Rooms       int64 `json:"rooms"`
	Subscribers int64 `json:"subscribers"`
	Processed   int64 `json:"processed"`
	Dropped     int64 `json:"dropped"`
	Undelivered int64 `json:"undelivered"`
	Evicted     int64 `json:"evicted"`
}

type Relay struct {
	store session.Store
	log   logrus.FieldLogger
	now   func() time.Time

	inbox    chan Inbound
	reconfig chan Config
	done     chan struct{}
	stopOnce sync.Once

	cfgMu sync.RWMutex
	cfg   Config

	// Owned by the Run goroutine.
	rooms *rooms

	roomCount   atomic.Int64
	subscribers atomic.Int64
	processed   atomic.Int64
	dropped     atomic.Int64
	undelivered atomic.Int64
	evicted     atomic.Int64
}

// Option customises a Relay.
type Option func(*Relay)

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Relay) { r.log = l }
}

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

func New(store session.Store, cfg Config, opts ...Option) *Relay {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	r := &Relay{
		store:    store,
		log:      logrus.StandardLogger(),
		now:      time.Now,
		inbox:    make(chan Inbound, size),
		reconfig: make(chan Config, 1),
		done:     make(chan struct{}),
		cfg:      cfg,
		rooms:    newRooms(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("component", "relay")
	return r
}

// Store returns the session store the relay writes to.
func (r *Relay) Store() session.Store {
	return r.store
}

// Config returns the active configuration.
func (r *Relay) Config() Config {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// SetConfig swaps the eviction settings without restarting the loop.
func (r *Relay) SetConfig(cfg Config) {
	r.cfgMu.Lock()
	r.cfg.IdleTimeout = cfg.IdleTimeout
	r.cfg.SweepInterval = cfg.SweepInterval
	next := r.cfg
	r.cfgMu.Unlock()

	// Keep only the latest pending config.
	select {
	case <-r.reconfig:
	default:
	}
	select {
	case r.reconfig <- next:
	default:
	}
}

// Submit queues a message received from the wire. Types clients may not
// send are dropped here. Submit blocks while the queue is full, which
// pushes back on the sending connection's read loop.
func (r *Relay) Submit(ctx context.Context, in Inbound) error {
	if !IsWireType(in.Type) {
		r.dropped.Add(1)
		r.log.WithField("type", in.Type).Debug("dropping unknown message type")
		return nil
	}
	return r.enqueue(ctx, in)
}

// Disconnect removes conn from every room. The transport calls it when a
// connection closes.
func (r *Relay) Disconnect(ctx context.Context, conn Conn) error {
	return r.enqueue(ctx, Inbound{Type: msgDisconnect, Conn: conn})
}

func (r *Relay) enqueue(ctx context.Context, in Inbound) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	select {
	case r.inbox <- in:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes inbound messages until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	defer r.stopOnce.Do(func() { close(r.done) })

	var (
		sweep  *time.Ticker
		sweepC <-chan time.Time
	)
	resetSweep := func(cfg Config) {
		if sweep != nil {
			sweep.Stop()
			sweep, sweepC = nil, nil
		}
		if cfg.IdleTimeout > 0 {
			sweep = time.NewTicker(cfg.sweepInterval())
			sweepC = sweep.C
		}
	}
	resetSweep(r.Config())
	defer func() {
		if sweep != nil {
			sweep.Stop()
		}
	}()

	r.log.Info("relay started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopped")
			return
		case cfg := <-r.reconfig:
			r.log.WithFields(logrus.Fields{
				"idleTimeout":   cfg.IdleTimeout,
				"sweepInterval": cfg.sweepInterval(),
			}).Info("relay config updated")
			resetSweep(cfg)
		case <-sweepC:
			r.sweepIdle(ctx)
		case in := <-r.inbox:
			r.handle(ctx, in)
		}
	}
}

// handle applies one inbound message. It must only be called from the Run
// goroutine (or from tests that own the relay exclusively).
func (r *Relay) handle(ctx context.Context, in Inbound) {
	r.processed.Add(1)
	switch in.Type {
	case MsgMonitorChild:
		r.handleSubscribe(ctx, in)
	case MsgMonitorLeave:
		r.handleUnsubscribe(in)
	case MsgGameStart:
		r.handleStart(ctx, in)
	case MsgGameProgress:
		r.handleProgress(ctx, in, false)
	case MsgGameComplete:
		r.handleProgress(ctx, in, true)
	case msgDisconnect:
		r.handleDisconnect(in)
	default:
		r.drop(in, errors.New("unknown message type"))
	}
}

// Stats returns current counters. Safe to call from any goroutine.
func (r *Relay) Stats() Stats {
	return Stats{
		Rooms:       r.roomCount.Load(),
		Subscribers: r.subscribers.Load(),
		Processed:   r.processed.Load(),
		Dropped:     r.dropped.Load(),
		Undelivered: r.undelivered.Load(),
		Evicted:     r.evicted.Load(),
	}
}

func (r *Relay) drop(in Inbound, err error) {
	r.dropped.Add(1)
	entry := r.log.WithField("type", in.Type).WithError(err)
	if in.Conn != nil {
		entry = entry.WithField("conn", in.Conn.ID())
	}
	entry.Warn("dropping inbound message")
}

func (r *Relay) syncRoomGauges() {
	r.roomCount.Store(int64(r.rooms.roomCount()))
	r.subscribers.Store(int64(r.rooms.memberCount()))
}

func (r *Relay) nowMillis() int64 {
	return r.now().UnixMilli()
}

// deliver sends msg to one connection, counting messages it refused.
func (r *Relay) deliver(conn Conn, msg Outbound) {
	if !conn.Send(msg) {
		r.undelivered.Add(1)
		r.log.WithField("conn", conn.ID()).Debug("connection refused message")
	}
}

// broadcast delivers msg to every connection in childID's room.
func (r *Relay) broadcast(childID int64, msg Outbound) {
	for _, conn := range r.rooms.members(childID) {
		r.deliver(conn, msg)
	}
}
