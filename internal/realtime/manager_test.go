package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/tripsync/internal/georide"
	"github.com/autopeer-io/tripsync/pkg/options"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeConn struct {
	in     chan string
	out    chan string
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan string, 16), out: make(chan string, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.in:
		return []byte(m), nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.out <- string(data)
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-c.out:
		assert.Equal(t, want, got)
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %q", want)
	}
}

// handshake plays the server side of a successful connect.
func (c *fakeConn) handshake(t *testing.T) {
	t.Helper()
	c.in <- `0{"sid":"s1","pingInterval":25000,"pingTimeout":20000}`
	c.expect(t, `40{"token":"tok"}`)
	c.in <- `40{"sid":"n1"}`
}

type fakeDialer struct {
	conns chan *fakeConn
	dials atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.dials.Add(1)
	select {
	case c := <-d.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) next() *fakeConn {
	c := newFakeConn()
	d.conns <- c
	return c
}

type fakeTokens struct {
	invalidated atomic.Int32
}

func (f *fakeTokens) Token(context.Context) (string, error) { return "tok", nil }
func (f *fakeTokens) Invalidate()                           { f.invalidated.Add(1) }

type harness struct {
	m      *Manager
	dialer *fakeDialer
	tokens *fakeTokens
	clock  *clocktesting.FakeClock
	done   chan error

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func newHarness(t *testing.T, filter *georide.PrecisionFilter) *harness {
	opts := options.NewRealtimeOptions()
	opts.HandshakeTimeout = waitFor

	h := &harness{
		dialer: newFakeDialer(),
		tokens: &fakeTokens{},
		clock:  clocktesting.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
		done:   make(chan error, 1),
	}
	h.m = NewManager(opts, h.tokens, filter, WithDialer(h.dialer), WithClock(h.clock))
	h.m.SetTrackers([]string{"42"})

	h.ctx, h.cancel = context.WithCancel(context.Background())
	t.Cleanup(func() {
		h.cancel()
		if h.started {
			<-h.done
		}
	})
	return h
}

func (h *harness) start() {
	h.started = true
	go func() { h.done <- h.m.Run(h.ctx) }()
}

func (h *harness) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State() == s }, waitFor, tick, "want state %s, have %s", s, h.m.State())
}

func TestManagerConnectsSubscribesAndDelivers(t *testing.T) {
	h := newHarness(t, nil)

	events := make(chan Event, 8)
	unsubscribe := h.m.Subscribe(func(ev Event) { events <- ev })
	defer unsubscribe()

	conn := h.dialer.next()
	h.start()
	conn.handshake(t)
	conn.expect(t, `42["subscribe","42"]`)
	h.waitState(t, StateConnected)

	conn.in <- `2`
	conn.expect(t, `3`)

	conn.in <- `42["lock",{"trackerId":42,"locked":true}]`
	select {
	case ev := <-events:
		lock, ok := ev.(LockEvent)
		require.True(t, ok)
		assert.Equal(t, "42", lock.TrackerID())
		assert.True(t, lock.Locked)
	case <-time.After(waitFor):
		t.Fatal("no event delivered")
	}

	h.m.SetTrackers([]string{"42", "43"})
	conn.expect(t, `42["subscribe","43"]`)

	h.m.Stop()
	assert.Equal(t, StateDisconnected, h.m.State())
	select {
	case err := <-h.done:
		require.NoError(t, err)
		h.done <- nil
	case <-time.After(waitFor):
		t.Fatal("Run did not return after Stop")
	}
}

func TestManagerConnectErrorReloginsOnce(t *testing.T) {
	h := newHarness(t, nil)

	first := h.dialer.next()
	h.start()

	first.in <- `0{"sid":"s1","pingInterval":25000,"pingTimeout":20000}`
	first.expect(t, `40{"token":"tok"}`)
	first.in <- `44{"message":"unauthorized"}`

	h.waitState(t, StateBackoff)
	require.Eventually(t, func() bool { return h.tokens.invalidated.Load() == 1 }, waitFor, tick)

	second := h.dialer.next()
	require.Eventually(t, h.clock.HasWaiters, waitFor, tick)
	h.clock.Step(5 * time.Second)

	second.in <- `0{"sid":"s2","pingInterval":25000,"pingTimeout":20000}`
	second.expect(t, `40{"token":"tok"}`)
	second.in <- `44{"message":"unauthorized"}`

	require.Eventually(t, func() bool { return h.dialer.dials.Load() == 2 && h.m.State() == StateBackoff }, waitFor, tick)
	assert.EqualValues(t, 1, h.tokens.invalidated.Load())
}

func TestManagerDropBacksOffThenReconnects(t *testing.T) {
	h := newHarness(t, nil)

	first := h.dialer.next()
	h.start()
	first.handshake(t)
	first.expect(t, `42["subscribe","42"]`)
	h.waitState(t, StateConnected)

	require.NoError(t, first.Close())
	h.waitState(t, StateBackoff)

	second := h.dialer.next()
	require.Eventually(t, h.clock.HasWaiters, waitFor, tick)
	h.clock.Step(5 * time.Second)

	second.handshake(t)
	second.expect(t, `42["subscribe","42"]`)
	h.waitState(t, StateConnected)
}

// nextDialAfter asserts that the manager redials exactly delay after the drop.
func (h *harness) nextDialAfter(t *testing.T, delay time.Duration) {
	t.Helper()
	dials := h.dialer.dials.Load()
	require.Eventually(t, h.clock.HasWaiters, waitFor, tick)

	h.clock.Step(delay - time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, dials, h.dialer.dials.Load(), "redialed before %s", delay)

	h.clock.Step(time.Millisecond)
	require.Eventually(t, func() bool { return h.dialer.dials.Load() == dials+1 }, waitFor, tick)
}

// connectAfterFailure fails one attempt, so that the following delay has doubled, then connects.
func connectAfterFailure(t *testing.T, h *harness) *fakeConn {
	t.Helper()
	failed := h.dialer.next()
	h.start()
	require.NoError(t, failed.Close())
	h.waitState(t, StateBackoff)

	conn := h.dialer.next()
	h.nextDialAfter(t, 5*time.Second)
	conn.handshake(t)
	conn.expect(t, `42["subscribe","42"]`)
	h.waitState(t, StateConnected)
	return conn
}

func TestManagerStableConnectionResetsBackoff(t *testing.T) {
	h := newHarness(t, nil)
	conn := connectAfterFailure(t, h)

	h.clock.Step(options.NewRealtimeOptions().StabilityWindow)
	require.NoError(t, conn.Close())
	h.waitState(t, StateBackoff)

	next := h.dialer.next()
	h.nextDialAfter(t, 5*time.Second)
	next.handshake(t)
	h.waitState(t, StateConnected)
}

func TestManagerShortLivedConnectionKeepsDoubling(t *testing.T) {
	h := newHarness(t, nil)
	conn := connectAfterFailure(t, h)

	h.clock.Step(options.NewRealtimeOptions().StabilityWindow - time.Second)
	require.NoError(t, conn.Close())
	h.waitState(t, StateBackoff)

	next := h.dialer.next()
	h.nextDialAfter(t, 10*time.Second)
	next.handshake(t)
	h.waitState(t, StateConnected)
}

func TestManagerSetEnabled(t *testing.T) {
	h := newHarness(t, nil)

	first := h.dialer.next()
	h.start()
	first.handshake(t)
	first.expect(t, `42["subscribe","42"]`)
	h.waitState(t, StateConnected)

	h.m.SetEnabled(false)
	assert.Equal(t, StateDisconnected, h.m.State())
	select {
	case <-first.closed:
	case <-time.After(waitFor):
		t.Fatal("connection not closed on disable")
	}

	// No reconnect while disabled.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, h.dialer.dials.Load())
	assert.Equal(t, StateDisconnected, h.m.State())

	second := h.dialer.next()
	h.m.SetEnabled(true)
	second.handshake(t)
	second.expect(t, `42["subscribe","42"]`)
	h.waitState(t, StateConnected)
}

func TestManagerFiltersImprecisePositions(t *testing.T) {
	h := newHarness(t, georide.NewPrecisionFilter(50))

	events := make(chan Event, 8)
	h.m.Subscribe(func(ev Event) { events <- ev })

	conn := h.dialer.next()
	h.start()
	conn.handshake(t)
	conn.expect(t, `42["subscribe","42"]`)

	conn.in <- `42["position",{"trackerId":42,"latitude":1,"longitude":2,"radius":120}]`
	conn.in <- `42["position",{"trackerId":42,"latitude":3,"longitude":4,"radius":10}]`

	select {
	case ev := <-events:
		pos, ok := ev.(PositionEvent)
		require.True(t, ok)
		assert.InDelta(t, 3.0, pos.Latitude, 1e-9)
	case <-time.After(waitFor):
		t.Fatal("no event delivered")
	}
	assert.Empty(t, events)
}

func TestSubscriberDropsWhenFull(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var received atomic.Int32

	s := newSubscriber(1, func(Event) {
		if received.Add(1) == 1 {
			close(started)
			<-release
		}
	})

	ev := LockEvent{Meta: Meta{Tracker: "1"}, Locked: true}
	s.offer(ev)
	<-started

	s.offer(ev) // queued
	s.offer(ev) // dropped
	close(release)

	require.Eventually(t, func() bool { return received.Load() == 2 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, received.Load())

	s.close()
	s.offer(ev)
}

func TestManagerRunReturnsOnCancel(t *testing.T) {
	h := newHarness(t, nil)

	conn := h.dialer.next()
	h.start()
	conn.handshake(t)
	h.waitState(t, StateConnected)

	h.cancel()
	select {
	case err := <-h.done:
		assert.False(t, errors.Is(err, context.Canceled))
		h.done <- nil
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateDisconnected, h.m.State())
}
