// Package realtime maintains the persistent GeoRide Socket.IO channel and turns its frames into typed events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/tripsync/internal/georide"
	"github.com/autopeer-io/tripsync/internal/pkg/errdefs"
	"github.com/autopeer-io/tripsync/internal/pkg/metrics"
	"github.com/autopeer-io/tripsync/pkg/log"
	"github.com/autopeer-io/tripsync/pkg/options"
)

// TokenSource supplies the session token used to authenticate the socket.
// *georide.Client implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

var errDisabled = errors.New("realtime channel disabled")

// Manager owns one Socket.IO connection shared by every tracker of the account.
type Manager struct {
	url              string
	handshakeTimeout time.Duration
	stabilityWindow  time.Duration
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	queueSize        int

	dialer Dialer
	tokens TokenSource
	clock  clock.Clock
	filter *georide.PrecisionFilter
	fsm    *connectionFSM

	mu       sync.Mutex
	enabled  bool
	stopped  bool
	conn     Conn
	trackers []string
	subs     []*subscriber

	// wake interrupts idle and backoff waits after SetEnabled or Stop.
	wake chan struct{}
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) ManagerOption {
	return func(m *Manager) { m.dialer = d }
}

// WithClock replaces the clock driving backoff waits.
func WithClock(clk clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = clk }
}

// NewManager creates a disconnected manager. filter may be shared with other position consumers.
func NewManager(opts *options.RealtimeOptions, tokens TokenSource, filter *georide.PrecisionFilter, opt ...ManagerOption) *Manager {
	if filter == nil {
		filter = georide.NewPrecisionFilter(0)
	}
	m := &Manager{
		url:              opts.URL,
		handshakeTimeout: opts.HandshakeTimeout,
		stabilityWindow:  opts.StabilityWindow,
		initialBackoff:   opts.InitialBackoff,
		maxBackoff:       opts.MaxBackoff,
		queueSize:        opts.QueueSize,
		dialer:           NewWebsocketDialer(opts.HandshakeTimeout),
		tokens:           tokens,
		clock:            clock.RealClock{},
		filter:           filter,
		enabled:          opts.Enabled,
		wake:             make(chan struct{}, 1),
	}
	m.fsm = newConnectionFSM(func(from, to State) {
		log.Info("Realtime channel state changed", "from", from, "to", to)
	})
	for _, o := range opt {
		o(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.fsm.state()
}

// Connected reports whether events are flowing.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// SetTrackers sets the trackers to subscribe to. New ids are subscribed immediately when connected.
func (m *Manager) SetTrackers(ids []string) {
	m.mu.Lock()
	added := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(m.trackers, id) {
			added = append(added, id)
		}
	}
	m.trackers = slices.Clone(ids)
	conn := m.conn
	m.mu.Unlock()

	if conn != nil && m.Connected() {
		m.subscribe(conn, added)
	}
}

// SetEnabled turns the channel on or off. Disabling closes the connection and suppresses reconnects.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	if m.enabled == enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = enabled
	conn := m.conn
	m.mu.Unlock()

	log.Info("Realtime channel toggled", "enabled", enabled)
	if !enabled {
		if err := m.fsm.fire(context.Background(), EventStop); err != nil {
			log.Debug("Ignored state event", "event", EventStop, "error", err)
		}
		if conn != nil {
			_ = conn.Close()
		}
	}
	m.poke()
}

// Stop disconnects permanently and makes Run return.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.enabled = false
	conn := m.conn
	m.mu.Unlock()

	if err := m.fsm.fire(context.Background(), EventStop); err != nil {
		log.Debug("Ignored state event", "event", EventStop, "error", err)
	}
	if conn != nil {
		_ = conn.Close()
	}
	m.poke()
}

func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) status() (enabled, stopped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled, m.stopped
}

// Run connects and reconnects until ctx is cancelled or Stop is called.
func (m *Manager) Run(ctx context.Context) error {
	backoff := NewBackoff(m.initialBackoff, m.maxBackoff)
	authRetried := false
	attempts := 0

	defer func() {
		_ = m.fsm.fire(context.Background(), EventStop)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		enabled, stopped := m.status()
		if stopped {
			return nil
		}
		if !enabled {
			select {
			case <-ctx.Done():
				return nil
			case <-m.wake:
			}
			continue
		}

		if attempts > 0 {
			metrics.RealtimeReconnects.Inc()
		}
		attempts++
		if err := m.fsm.fire(ctx, EventConnect); err != nil {
			log.Debug("Ignored state event", "event", EventConnect, "error", err)
		}

		connectedAt, err := m.session(ctx)

		if ctx.Err() != nil {
			return nil
		}
		if enabled, _ := m.status(); !enabled {
			_ = m.fsm.fire(ctx, EventStop)
			continue
		}

		if err := m.fsm.fire(ctx, EventFail); err != nil {
			log.Debug("Ignored state event", "event", EventFail, "error", err)
		}

		if !connectedAt.IsZero() {
			if m.clock.Since(connectedAt) >= m.stabilityWindow {
				backoff.Reset()
			}
			authRetried = false
		}

		if errdefs.IsAuth(err) && !authRetried {
			// One re-login before the next attempt.
			m.tokens.Invalidate()
			authRetried = true
		}

		delay := backoff.Next()
		log.Warn("Realtime channel down, reconnecting", "error", err, "retryIn", delay)

		timer := m.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-m.wake:
			timer.Stop()
		case <-timer.C():
		}
	}
}

// session runs one connection until it ends. connectedAt is zero if the namespace connect never succeeded.
func (m *Manager) session(ctx context.Context) (connectedAt time.Time, err error) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return time.Time{}, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	conn, err := m.dialer.Dial(dialCtx, m.url)
	cancel()
	if err != nil {
		return time.Time{}, errdefs.Transient("dial realtime channel: %v", err)
	}

	m.mu.Lock()
	if !m.enabled || m.stopped {
		m.mu.Unlock()
		_ = conn.Close()
		return time.Time{}, errDisabled
	}
	m.conn = conn
	m.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(m.handshakeTimeout))
	liveness := time.Duration(0)

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return connectedAt, errdefs.Transient("read realtime channel: %v", err)
		}
		if liveness > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(liveness))
		}

		f := parseFrame(msg)
		switch f.kind {
		case frameOpen:
			var hs openHandshake
			if err := json.Unmarshal(f.data, &hs); err != nil {
				return connectedAt, errdefs.Transient("decode open handshake: %v", err)
			}
			liveness = hs.liveness()
			connect, err := encodeConnect(token)
			if err != nil {
				return connectedAt, err
			}
			if err := conn.WriteMessage(connect); err != nil {
				return connectedAt, errdefs.Transient("send connect: %v", err)
			}

		case framePing:
			if err := conn.WriteMessage(encodePong()); err != nil {
				return connectedAt, errdefs.Transient("send pong: %v", err)
			}

		case frameConnected:
			connectedAt = m.clock.Now()
			if err := m.fsm.fire(ctx, EventEstablished); err != nil {
				log.Debug("Ignored state event", "event", EventEstablished, "error", err)
			}
			m.mu.Lock()
			ids := slices.Clone(m.trackers)
			m.mu.Unlock()
			m.subscribe(conn, ids)

		case frameConnectError:
			return connectedAt, errdefs.Auth("realtime connect rejected: %s", string(f.data))

		case frameDisconnected:
			return connectedAt, errdefs.Transient("realtime namespace disconnected by server")

		case frameClose:
			return connectedAt, errdefs.Transient("realtime channel closed by server")

		case frameEvent:
			events, err := decodeEvents(f.data, m.clock.Now())
			if err != nil {
				log.Warn("Discarding malformed realtime frame", "error", err)
				continue
			}
			m.publish(events)
		}
	}
}

func (m *Manager) subscribe(conn Conn, ids []string) {
	for _, id := range ids {
		msg, err := encodeEmit("subscribe", id)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(msg); err != nil {
			log.Warn("Failed to subscribe to tracker", "trackerID", id, "error", err)
			return
		}
		log.Debug("Subscribed to tracker", "trackerID", id)
	}
}

func (m *Manager) publish(events []Event) {
	m.mu.Lock()
	subs := slices.Clone(m.subs)
	m.mu.Unlock()

	for _, ev := range events {
		if pos, ok := ev.(PositionEvent); ok && !m.filter.Accept(pos.Radius) {
			metrics.RealtimeDropped.WithLabelValues("gps_precision").Inc()
			continue
		}
		metrics.RealtimeEvents.WithLabelValues(ev.Kind()).Inc()
		for _, s := range subs {
			s.offer(ev)
		}
	}
}

// Subscribe registers fn for every event. fn runs on a dedicated goroutine in arrival order.
// The returned function unsubscribes.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	s := newSubscriber(m.queueSize, fn)

	m.mu.Lock()
	m.subs = append(m.subs, s)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.subs = slices.DeleteFunc(m.subs, func(x *subscriber) bool { return x == s })
			m.mu.Unlock()
			s.close()
		})
	}
}

// subscriber is a bounded queue drained by one goroutine.
type subscriber struct {
	queue chan Event
	fn    func(Event)

	mu     sync.Mutex
	closed bool
}

func newSubscriber(size int, fn func(Event)) *subscriber {
	if size < 1 {
		size = 1
	}
	s := &subscriber{queue: make(chan Event, size), fn: fn}
	go s.loop()
	return s
}

func (s *subscriber) loop() {
	for ev := range s.queue {
		s.fn(ev)
	}
}

// offer never blocks. A full queue drops the event.
func (s *subscriber) offer(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- ev:
	default:
		metrics.RealtimeDropped.WithLabelValues("queue_full").Inc()
		log.Warn("Realtime subscriber queue full, dropping event", "trackerID", ev.TrackerID(), "kind", ev.Kind())
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}
