// Package engine merges polled and realtime inputs into one authoritative state per tracker
// and emits notifications on the transitions users care about.
package engine

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/tripsync/internal/georide"
	"github.com/autopeer-io/tripsync/internal/pkg/errdefs"
	"github.com/autopeer-io/tripsync/internal/pkg/metrics"
	"github.com/autopeer-io/tripsync/internal/pkg/wallclock"
	"github.com/autopeer-io/tripsync/internal/realtime"
	"github.com/autopeer-io/tripsync/internal/store"
	"github.com/autopeer-io/tripsync/pkg/log"
)

// Config tunes the engine. Intervals are the nominal polling intervals used for flag precedence and staleness.
type Config struct {
	StatusInterval   time.Duration
	TripsInterval    time.Duration
	LifetimeInterval time.Duration

	// TripEndFallback treats a movement stop as trip end for trackers never seen locked.
	TripEndFallback bool
	// FillupFallback commits a pending fill-up when no trip ends within it.
	FillupFallback time.Duration
	// TripSettle bounds how long a trip end waits for fresh trips and lifetime data.
	TripSettle time.Duration

	// TickInterval paces staleness and fill-up fallback checks.
	TickInterval time.Duration
	// QueueSize bounds undelivered notifications.
	QueueSize int
}

// SessionHealth reports whether the API session could not be re-established.
type SessionHealth interface {
	SessionFailed() bool
}

// ConnectionState reports the realtime channel state.
type ConnectionState interface {
	State() realtime.State
}

// Option customises an Engine.
type Option func(*Engine)

func WithClock(clk clock.WithTicker) Option {
	return func(e *Engine) { e.clock = clk }
}

func WithSession(s SessionHealth) Option {
	return func(e *Engine) { e.session = s }
}

func WithConnection(c ConnectionState) Option {
	return func(e *Engine) { e.conn = c }
}

// WithTripEndHook runs fn after a trip end is detected, outside the tracker lock.
// It is expected to request the trips and lifetime refreshes that resolve the trip end.
func WithTripEndHook(fn func(trackerID string)) Option {
	return func(e *Engine) { e.onTripEnd = fn }
}

// Engine owns the per-tracker state. Every mutation of a tracker, and the store writes it causes,
// happens under that tracker's mutex. Notifications are delivered after the mutex is released.
type Engine struct {
	store   store.Store
	clock   clock.WithTicker
	session SessionHealth
	conn    ConnectionState

	onTripEnd func(trackerID string)

	cfgMu sync.RWMutex
	cfg   Config

	mu       sync.RWMutex
	trackers map[string]*trackerState

	obsMu     sync.RWMutex
	observers []Observer
	queue     chan Notification

	startedAt time.Time
}

type tripStart struct {
	at     time.Time
	km     float64
	kmSeen bool
}

// tripEnd is a detected trip end waiting for the trip data fetched after it.
type tripEnd struct {
	start    tripStart
	at       time.Time
	fallback bool
}

type trackerState struct {
	mu  sync.Mutex
	id  string
	log log.Logger

	name       string
	model      string
	activation time.Time
	extV, intV float64
	position   *Position
	alarm      string
	alarmAt    time.Time

	flags Flags
	// lockSeen is set once the tracker has been seen locked.
	lockSeen bool
	unlock   tripStart
	moveFrom tripStart
	ending   *tripEnd
	// refreshWanted asks for the trip end hook once the lock is released.
	refreshWanted bool

	odometer    Odometer
	maintenance map[Discipline]MaintenanceRecord
	fuel        FuelModel
	baselines   map[wallclock.Period]Baseline
	settings    Settings
	due         map[string]bool
	// commitRetry is set when committing the pending fill-up could not be persisted.
	commitRetry bool

	trips      []georide.TripSummary
	lastTripID string

	lastGood     map[Domain]time.Time
	stale        bool
	staleDomains []Domain
}

// New creates an engine backed by st. Call Restore before feeding inputs.
func New(cfg Config, st store.Store, opt ...Option) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TripSettle <= 0 {
		cfg.TripSettle = 10 * time.Minute
	}

	e := &Engine{
		store:    st,
		clock:    clock.RealClock{},
		cfg:      cfg,
		trackers: make(map[string]*trackerState),
		queue:    make(chan Notification, cfg.QueueSize),
	}
	for _, o := range opt {
		o(e)
	}
	e.startedAt = e.clock.Now()
	return e
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// SetIntervals updates the nominal polling intervals after a reconfiguration.
func (e *Engine) SetIntervals(status, trips, lifetime time.Duration) {
	e.cfgMu.Lock()
	e.cfg.StatusInterval = status
	e.cfg.TripsInterval = trips
	e.cfg.LifetimeInterval = lifetime
	e.cfgMu.Unlock()
}

// SetTripEndFallback toggles movement-based trip end detection.
func (e *Engine) SetTripEndFallback(on bool) {
	e.cfgMu.Lock()
	e.cfg.TripEndFallback = on
	e.cfgMu.Unlock()
}

// SetFillupFallback changes the delay after which a pending fill-up is committed without a trip end.
func (e *Engine) SetFillupFallback(d time.Duration) {
	e.cfgMu.Lock()
	e.cfg.FillupFallback = d
	e.cfgMu.Unlock()
}

// SetTripSettle changes how long a trip end waits for its trip data.
func (e *Engine) SetTripSettle(d time.Duration) {
	if d <= 0 {
		return
	}
	e.cfgMu.Lock()
	e.cfg.TripSettle = d
	e.cfgMu.Unlock()
}

func (e *Engine) interval(d Domain) time.Duration {
	cfg := e.config()
	switch d {
	case DomainTrips:
		return cfg.TripsInterval
	case DomainLifetime:
		return cfg.LifetimeInterval
	default:
		return cfg.StatusInterval
	}
}

// Subscribe registers an observer for all notifications.
func (e *Engine) Subscribe(o Observer) {
	e.obsMu.Lock()
	e.observers = append(e.observers, o)
	e.obsMu.Unlock()
}

// Restore loads every tracker found in the store.
func (e *Engine) Restore(ctx context.Context) error {
	all, err := e.store.Restore(ctx)
	if err != nil {
		return err
	}

	ids := map[string]struct{}{}
	for key := range all {
		if id, ok := store.TrackerOf(key); ok {
			ids[id] = struct{}{}
		}
	}

	for id := range ids {
		st := e.tracker(id)
		st.mu.Lock()
		err := st.load(ctx, e.store)
		st.mu.Unlock()
		if err != nil {
			return err
		}
	}

	log.Info("Restored persisted tracker state", "trackers", len(ids))
	return nil
}

// tracker returns the state of id, creating it on first use.
func (e *Engine) tracker(id string) *trackerState {
	e.mu.RLock()
	st, ok := e.trackers[id]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.trackers[id]; ok {
		return st
	}
	st = &trackerState{
		id:          id,
		log:         log.WithValues("trackerID", id),
		maintenance: make(map[Discipline]MaintenanceRecord),
		baselines:   make(map[wallclock.Period]Baseline),
		settings:    DefaultSettings(),
		due:         make(map[string]bool),
		lastGood:    make(map[Domain]time.Time),
	}
	e.trackers[id] = st
	return st
}

func (e *Engine) lookup(id string) (*trackerState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.trackers[id]
	if !ok {
		return nil, errdefs.NotFound("tracker %s", id)
	}
	return st, nil
}

// ApplyStatus merges one status poll of the whole account.
func (e *Engine) ApplyStatus(ctx context.Context, statuses []georide.TrackerStatus, fetchedAt time.Time) {
	for _, s := range statuses {
		id := s.TrackerID.String()
		if id == "" {
			continue
		}
		st := e.tracker(id)

		st.mu.Lock()
		st.name = s.DisplayName()
		st.model = s.Model
		st.activation = s.ActivationDate.Time
		st.extV = s.ExternalBatteryVoltage
		st.intV = s.InternalBatteryVoltage
		if s.Latitude != 0 || s.Longitude != 0 {
			st.position = &Position{Latitude: s.Latitude, Longitude: s.Longitude, At: s.FixTime.Time}
		}
		st.lastGood[DomainStatus] = fetchedAt

		var notes []Notification
		e.setFlag(&st.flags.Online, s.Online(), SourcePoll, fetchedAt)
		e.setFlag(&st.flags.Eco, s.IsInEco, SourcePoll, fetchedAt)
		e.setFlag(&st.flags.Stolen, s.IsStolen, SourcePoll, fetchedAt)
		e.setFlag(&st.flags.Crashed, s.Crashed, SourcePoll, fetchedAt)
		if prev, applied := e.setFlag(&st.flags.Moving, s.Moving, SourcePoll, fetchedAt); applied {
			notes = append(notes, e.movingChangedLocked(ctx, st, prev)...)
		}
		if prev, applied := e.setFlag(&st.flags.Locked, s.IsLocked, SourcePoll, fetchedAt); applied {
			notes = append(notes, e.lockChangedLocked(ctx, st, prev)...)
		}
		notes = append(notes, e.evaluateLocked(ctx, st)...)
		e.unlock(st, notes)
	}
}

// ApplyTrips stores the latest trip history. It reports whether the newest trip changed.
func (e *Engine) ApplyTrips(ctx context.Context, trackerID string, trips []georide.TripSummary, fetchedAt time.Time) bool {
	st := e.tracker(trackerID)

	st.mu.Lock()
	st.trips = trips
	st.lastGood[DomainTrips] = fetchedAt

	var notes []Notification
	changed := false
	if newest, ok := georide.Newest(trips); ok && newest.ID.String() != st.lastTripID {
		id := newest.ID.String()
		// Unpersisted, the trip is reported again by the next poll.
		if err := e.save(ctx, st, keyLastTrip, id); err == nil {
			changed = true
			previous := st.lastTripID
			st.lastTripID = id

			if previous != "" && newest.DistanceKm() >= st.settings.Get(SettingTripNotify) {
				notes = append(notes, e.note(st, KindTripRecorded, TripRecorded{Trip: *newTripInfo(newest)}))
			}
			st.log.Info("New trip recorded", "tripID", id, "distanceKm", newest.DistanceKm())
		}
	}
	if st.ending != nil && st.tripSettled() {
		notes = append(notes, e.finishTripLocked(ctx, st)...)
	}
	notes = append(notes, e.evaluateLocked(ctx, st)...)
	e.unlock(st, notes)
	return changed
}

// ApplyLifetime updates the lifetime distance. A regression is discarded as a data inconsistency.
func (e *Engine) ApplyLifetime(ctx context.Context, trackerID string, km float64, fetchedAt time.Time) error {
	st := e.tracker(trackerID)

	st.mu.Lock()
	if st.odometer.Known && km < st.odometer.LifetimeKm {
		prev := st.odometer.LifetimeKm
		st.mu.Unlock()

		metrics.DataInconsistency.WithLabelValues("lifetime").Inc()
		st.log.Warn("Discarding lifetime regression", "previousKm", prev, "sampleKm", km)
		return errdefs.Inconsistent("lifetime %.3f km below previous %.3f km", km, prev)
	}
	st.odometer.LifetimeKm = km
	st.odometer.Known = true
	st.lastGood[DomainLifetime] = fetchedAt

	var notes []Notification
	if st.ending != nil && st.tripSettled() {
		notes = e.finishTripLocked(ctx, st)
	}
	notes = append(notes, e.evaluateLocked(ctx, st)...)
	e.unlock(st, notes)
	return nil
}

// HandleEvent applies one realtime event. Events for unknown trackers are ignored.
func (e *Engine) HandleEvent(ctx context.Context, ev realtime.Event) {
	st, err := e.lookup(ev.TrackerID())
	if err != nil {
		log.Debug("Ignoring event for unknown tracker", "trackerID", ev.TrackerID(), "kind", ev.Kind())
		return
	}
	at := ev.Time()

	st.mu.Lock()
	var notes []Notification
	switch ev := ev.(type) {
	case realtime.PositionEvent:
		st.position = &Position{
			Latitude:  ev.Latitude,
			Longitude: ev.Longitude,
			Radius:    ev.Radius,
			SpeedKmh:  ev.SpeedKmh,
			Heading:   ev.Heading,
			At:        at,
		}
	case realtime.MovementEvent:
		if ev.Moving != nil {
			if prev, applied := e.setFlag(&st.flags.Moving, *ev.Moving, SourceRealtime, at); applied {
				notes = append(notes, e.movingChangedLocked(ctx, st, prev)...)
			}
		}
		if ev.Stolen != nil {
			e.setFlag(&st.flags.Stolen, *ev.Stolen, SourceRealtime, at)
		}
		if ev.Crashed != nil {
			e.setFlag(&st.flags.Crashed, *ev.Crashed, SourceRealtime, at)
		}
	case realtime.LockEvent:
		if prev, applied := e.setFlag(&st.flags.Locked, ev.Locked, SourceRealtime, at); applied {
			notes = append(notes, e.lockChangedLocked(ctx, st, prev)...)
		}
	case realtime.AlarmEvent:
		st.alarm = ev.Type
		st.alarmAt = at
		st.log.Info("Tracker alarm", "type", ev.Type)
	case realtime.OnlineEvent:
		e.setFlag(&st.flags.Online, ev.Online, SourceRealtime, at)
	default:
		st.log.Warn("Unhandled realtime event", "kind", ev.Kind())
	}
	notes = append(notes, e.evaluateLocked(ctx, st)...)
	e.unlock(st, notes)
}

// setFlag writes v unless a poll would overwrite a realtime value younger than one status interval.
func (e *Engine) setFlag(f *Flag, v bool, src Source, at time.Time) (prev Flag, applied bool) {
	prev = *f
	if src == SourcePoll && f.Known && f.Source == SourceRealtime && at.Sub(f.At) < e.interval(DomainStatus) {
		return prev, false
	}
	*f = Flag{Value: v, Known: true, Source: src, At: at}
	return prev, true
}

func (st *trackerState) startFrom(at time.Time) tripStart {
	return tripStart{at: at, km: st.odometer.CorrectedKm(), kmSeen: st.odometer.Known}
}

func (e *Engine) lockChangedLocked(ctx context.Context, st *trackerState, prev Flag) []Notification {
	cur := st.flags.Locked
	if cur.Value {
		st.lockSeen = true
	}
	if prev.Known && prev.Value == cur.Value {
		return nil
	}
	if !cur.Value {
		st.unlock = st.startFrom(cur.At)
		return nil
	}
	if !prev.Known {
		// First observation: there is no unlock to pair with.
		return nil
	}
	return e.tripEndedLocked(ctx, st, st.unlock, cur.At, false)
}

func (e *Engine) movingChangedLocked(ctx context.Context, st *trackerState, prev Flag) []Notification {
	cur := st.flags.Moving
	if prev.Known && prev.Value == cur.Value {
		return nil
	}
	if cur.Value {
		st.moveFrom = st.startFrom(cur.At)
		return nil
	}
	if !prev.Known || st.lockSeen || !e.config().TripEndFallback {
		return nil
	}
	return e.tripEndedLocked(ctx, st, st.moveFrom, cur.At, true)
}

// tripEndedLocked opens a trip end. The notification waits until trips and lifetime have been
// fetched after end, so that it carries the finished trip, or until TripSettle elapses.
// A trip end still open is resolved first.
func (e *Engine) tripEndedLocked(ctx context.Context, st *trackerState, start tripStart, end time.Time, fallback bool) []Notification {
	var notes []Notification
	if st.ending != nil {
		notes = e.finishTripLocked(ctx, st)
	}
	st.ending = &tripEnd{start: start, at: end, fallback: fallback}
	st.refreshWanted = true
	st.log.Info("Trip end detected", "unlockedAt", start.at, "lockedAt", end, "fallback", fallback)
	return notes
}

// tripSettled reports whether the open trip end can be resolved from the data at hand.
func (st *trackerState) tripSettled() bool {
	end := st.ending
	if st.lastGood[DomainTrips].Before(end.at) || st.lastGood[DomainLifetime].Before(end.at) {
		return false
	}
	if end.start.at.IsZero() {
		return true
	}
	_, ok := tripSince(st.trips, end.start.at)
	return ok
}

// finishTripLocked emits the open trip end and commits a fill-up confirmed before it.
func (e *Engine) finishTripLocked(ctx context.Context, st *trackerState) []Notification {
	end := *st.ending
	st.ending = nil

	payload := TripEnded{UnlockedAt: end.start.at, LockedAt: end.at, Fallback: end.fallback}
	if trip, ok := tripSince(st.trips, end.start.at); ok {
		payload.Trip = newTripInfo(trip)
	}
	if km := tripDistance(st.trips, end.start.at, end.at); km > 0 {
		payload.OdometerDeltaKm = km
	} else if end.start.kmSeen && st.odometer.Known {
		payload.OdometerDeltaKm = max(0, st.odometer.CorrectedKm()-end.start.km)
	}
	st.log.Info("Trip ended", "unlockedAt", end.start.at, "lockedAt", end.at,
		"distanceKm", payload.OdometerDeltaKm, "fallback", end.fallback)

	notes := []Notification{e.note(st, KindTripEnded, payload)}
	if p := st.fuel.Pending; p != nil && !p.At.After(end.at) {
		notes = append(notes, e.commitFillupLocked(ctx, st)...)
	}
	return notes
}

// tripSince returns the newest trip that ended at or after since.
func tripSince(trips []georide.TripSummary, since time.Time) (georide.TripSummary, bool) {
	if since.IsZero() {
		return georide.TripSummary{}, false
	}
	newest, ok := georide.Newest(trips)
	if !ok || newest.EndTime.Before(since) {
		return georide.TripSummary{}, false
	}
	return newest, true
}

// tripDistance sums the trips started within [from, to].
func tripDistance(trips []georide.TripSummary, from, to time.Time) float64 {
	if from.IsZero() {
		return 0
	}
	km := 0.0
	for _, t := range trips {
		if !t.StartTime.Before(from) && !t.StartTime.After(to) {
			km += t.DistanceKm()
		}
	}
	return km
}

// fillupOdometer estimates the corrected odometer when p was confirmed: the current reading less
// the trips started since, counting only trips the last lifetime sample already includes.
// The lifetime is polled rarely, so the reading taken at confirmation is a lower bound.
func (st *trackerState) fillupOdometer(p *PendingFillup) float64 {
	km := st.odometer.CorrectedKm()
	sampled := st.lastGood[DomainLifetime]
	for _, t := range st.trips {
		if !t.StartTime.Before(p.At) && !t.EndTime.After(sampled) {
			km -= t.DistanceKm()
		}
	}
	return max(p.OdometerKm, km)
}

// commitFillupLocked turns the pending fill-up into history. The first fill-up only records the odometer.
// Nothing changes in memory unless the new fuel state is persisted; Tick retries a failed commit.
func (e *Engine) commitFillupLocked(ctx context.Context, st *trackerState) []Notification {
	p := st.fuel.Pending
	odometer := st.fillupOdometer(p)

	next := st.fuel
	next.History = slices.Clone(st.fuel.History)
	next.Pending = nil

	var notes []Notification
	switch distance := odometer - next.LastFillupOdometerKm; {
	case next.FillupCount == 0:
		next.LastFillupOdometerKm = odometer
		next.FillupCount = 1
	case distance <= 0:
		metrics.DataInconsistency.WithLabelValues("fillup").Inc()
		st.log.Warn("Discarding fill-up with non-positive distance",
			"odometerKm", odometer, "lastFillupOdometerKm", next.LastFillupOdometerKm)
	default:
		next.push(distance)
		next.LastFillupOdometerKm = odometer
		next.FillupCount++
		notes = append(notes, e.note(st, KindFillupCommitted, FillupCommitted{
			DistanceKm:       distance,
			RollingAverageKm: next.RollingAverageKm,
			History:          slices.Clone(next.History),
			OdometerKm:       odometer,
		}))
	}

	if err := e.save(ctx, st, keyFuel, next); err != nil {
		st.commitRetry = true
		return nil
	}
	st.fuel = next
	st.commitRetry = false
	st.log.Info("Fill-up committed", "odometerKm", odometer, "fillups", next.FillupCount,
		"rollingAverageKm", next.RollingAverageKm)
	return notes
}

// evaluateLocked recomputes every due flag and emits on false→true edges only.
func (e *Engine) evaluateLocked(ctx context.Context, st *trackerState) []Notification {
	if !st.odometer.Known {
		return nil
	}
	now := e.clock.Now()
	corrected := st.odometer.CorrectedKm()

	var notes []Notification
	due := make(map[string]bool, len(Disciplines)+1)
	for _, d := range Disciplines {
		ms := evaluateMaintenance(d, st.maintenance[d], st.settings, corrected, now)
		key := dueKey(d)
		due[key] = ms.Due
		if ms.Due && !st.due[key] {
			notes = append(notes, e.note(st, KindMaintenanceDue, MaintenanceDue{
				Discipline:    d,
				RemainingKm:   ms.RemainingKm,
				RemainingDays: ms.RemainingDays,
			}))
		}
	}

	fs := evaluateFuel(st.fuel, st.settings, corrected)
	due[DueFuelLow] = fs.Low
	if fs.Low && !st.due[DueFuelLow] {
		notes = append(notes, e.note(st, KindFuelLow, FuelLow{RemainingRangeKm: fs.RemainingRangeKm}))
	}

	if !maps.Equal(due, st.due) {
		// Unpersisted edges are dropped so that the next evaluation fires them again.
		if err := e.save(ctx, st, keyDue, due); err != nil {
			return nil
		}
		st.due = due
	}
	return notes
}

func (e *Engine) note(st *trackerState, kind Kind, payload any) Notification {
	return Notification{TrackerID: st.id, Kind: kind, At: e.clock.Now(), Payload: payload}
}

// unlock releases st, then queues notes and runs the trip end hook if a trip end was detected.
func (e *Engine) unlock(st *trackerState, notes []Notification) {
	refresh := st.refreshWanted
	st.refreshWanted = false
	st.mu.Unlock()

	e.dispatch(notes)
	if refresh && e.onTripEnd != nil {
		e.onTripEnd(st.id)
	}
}

// dispatch queues notes for delivery. It never blocks; a full queue drops.
func (e *Engine) dispatch(notes []Notification) {
	for _, n := range notes {
		metrics.Notifications.WithLabelValues(string(n.Kind)).Inc()
		select {
		case e.queue <- n:
		default:
			log.Warn("Notification queue full, dropping", "trackerID", n.TrackerID, "kind", n.Kind)
		}
	}
}

// Tick resolves trip ends whose data did not arrive, commits overdue pending fill-ups and updates staleness.
func (e *Engine) Tick(ctx context.Context) {
	cfg := e.config()
	now := e.clock.Now()

	for _, st := range e.states() {
		st.mu.Lock()
		var notes []Notification
		if st.ending != nil && now.Sub(st.ending.at) >= cfg.TripSettle {
			st.log.Info("No trip data after trip end, resolving with what is known", "lockedAt", st.ending.at)
			notes = append(notes, e.finishTripLocked(ctx, st)...)
		}
		if p := st.fuel.Pending; p != nil && st.ending == nil {
			switch {
			case st.commitRetry:
				notes = append(notes, e.commitFillupLocked(ctx, st)...)
			case cfg.FillupFallback > 0 && now.Sub(p.At) >= cfg.FillupFallback:
				st.log.Info("No trip end after fill-up, committing", "pendingSince", p.At)
				notes = append(notes, e.commitFillupLocked(ctx, st)...)
			}
		}

		var stale []Domain
		for _, d := range domains {
			ref := st.lastGood[d]
			if ref.IsZero() {
				ref = e.startedAt
			}
			if now.Sub(ref) > 2*e.interval(d) {
				stale = append(stale, d)
			}
		}
		if len(stale) > 0 && !st.stale {
			st.log.Warn("Tracker data is stale", "domains", stale)
			notes = append(notes, e.note(st, KindStale, Stale{Domains: stale}))
		}
		st.stale = len(stale) > 0
		st.staleDomains = stale

		notes = append(notes, e.evaluateLocked(ctx, st)...)
		e.unlock(st, notes)
	}

	if e.Degraded() {
		metrics.Degraded.Set(1)
	} else {
		metrics.Degraded.Set(0)
	}
}

// Degraded reports a failed API session or any stale tracker.
func (e *Engine) Degraded() bool {
	if e.session != nil && e.session.SessionFailed() {
		return true
	}
	for _, st := range e.states() {
		st.mu.Lock()
		stale := st.stale
		st.mu.Unlock()
		if stale {
			return true
		}
	}
	return false
}

// Run delivers notifications and ticks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.config().TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-e.queue:
			e.deliver(ctx, n)
		case <-ticker.C():
			e.Tick(ctx)
		}
	}
}

func (e *Engine) deliver(ctx context.Context, n Notification) {
	e.obsMu.RLock()
	observers := slices.Clone(e.observers)
	e.obsMu.RUnlock()

	for _, o := range observers {
		o.Notify(ctx, n)
	}
}

func (e *Engine) states() []*trackerState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*trackerState, 0, len(e.trackers))
	for _, st := range e.trackers {
		out = append(out, st)
	}
	return out
}

// TrackerIDs returns the known tracker ids, sorted.
func (e *Engine) TrackerIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.trackers))
}

// Tracker returns a copy of one tracker's state.
func (e *Engine) Tracker(id string) (TrackerView, bool) {
	st, err := e.lookup(id)
	if err != nil {
		return TrackerView{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return e.viewLocked(st), true
}

// Trackers returns copies of every tracker's state, sorted by id.
func (e *Engine) Trackers() []TrackerView {
	ids := e.TrackerIDs()
	out := make([]TrackerView, 0, len(ids))
	for _, id := range ids {
		if v, ok := e.Tracker(id); ok {
			out = append(out, v)
		}
	}
	return out
}

func (e *Engine) viewLocked(st *trackerState) TrackerView {
	now := e.clock.Now()
	corrected := st.odometer.CorrectedKm()

	v := TrackerView{
		ID:               st.id,
		Name:             st.name,
		Model:            st.model,
		Flags:            st.flags,
		Alarm:            st.alarm,
		AlarmAt:          st.alarmAt,
		ExternalBatteryV: st.extV,
		InternalBatteryV: st.intV,
		ActivationDate:   st.activation,
		Odometer:         st.odometer,
		CorrectedKm:      corrected,
		Maintenance:      make(map[Discipline]MaintenanceStatus, len(Disciplines)),
		Counters:         evaluateCounters(st.baselines, corrected, st.odometer.Known),
		Settings:         maps.Clone(st.settings),
		Due:              maps.Clone(st.due),
		TripCount:        len(st.trips),
		Stale:            st.stale,
		StaleDomains:     slices.Clone(st.staleDomains),
		Connection:       realtime.StateDisconnected,
	}
	if st.position != nil {
		p := *st.position
		v.Position = &p
	}
	for _, d := range Disciplines {
		v.Maintenance[d] = evaluateMaintenance(d, st.maintenance[d], st.settings, corrected, now)
	}
	v.Fuel = evaluateFuel(st.fuel, st.settings, corrected)
	v.Fuel.History = slices.Clone(st.fuel.History)
	if st.fuel.Pending != nil {
		p := *st.fuel.Pending
		v.Fuel.Pending = &p
	}
	if newest, ok := georide.Newest(st.trips); ok {
		v.LatestTrip = newTripInfo(newest)
	}
	if e.conn != nil {
		v.Connection = e.conn.State()
	}
	return v
}
