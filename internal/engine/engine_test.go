package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/tripsync/internal/georide"
	"github.com/autopeer-io/tripsync/internal/pkg/errdefs"
	"github.com/autopeer-io/tripsync/internal/realtime"
	"github.com/autopeer-io/tripsync/internal/store"
)

const trackerID = "42"

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		StatusInterval:   5 * time.Minute,
		TripsInterval:    time.Hour,
		LifetimeInterval: 24 * time.Hour,
		FillupFallback:   30 * time.Minute,
		TripSettle:       time.Minute,
	}
}

func newTestEngine(t *testing.T, st store.Store, opt ...Option) (*Engine, *clocktesting.FakeClock) {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	clk := clocktesting.NewFakeClock(t0)
	e := New(testConfig(), st, append([]Option{WithClock(clk)}, opt...)...)
	require.NoError(t, e.Restore(context.Background()))
	return e, clk
}

// failingStore rejects writes while fail is set.
type failingStore struct {
	*store.MemoryStore
	fail atomic.Bool
}

func newFailingStore() *failingStore {
	return &failingStore{MemoryStore: store.NewMemoryStore()}
}

func (f *failingStore) Set(ctx context.Context, key, value string) error {
	if f.fail.Load() {
		return errors.New("store down")
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func (f *failingStore) Delete(ctx context.Context, key string) error {
	if f.fail.Load() {
		return errors.New("store down")
	}
	return f.MemoryStore.Delete(ctx, key)
}

// drain returns the notifications queued so far.
func drain(e *Engine) []Notification {
	var out []Notification
	for {
		select {
		case n := <-e.queue:
			out = append(out, n)
		default:
			return out
		}
	}
}

func kinds(ns []Notification) []Kind {
	out := make([]Kind, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Kind)
	}
	return out
}

func ofKind(ns []Notification, kind Kind) []Notification {
	var out []Notification
	for _, n := range ns {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func lock(e *Engine, clk *clocktesting.FakeClock, locked bool) {
	e.HandleEvent(context.Background(), realtime.LockEvent{
		Meta:   realtime.Meta{Tracker: trackerID, ReceivedAt: clk.Now()},
		Locked: locked,
	})
}

// expire resolves open trip ends for which no trip data arrived.
func expire(e *Engine, clk *clocktesting.FakeClock) {
	clk.Step(e.config().TripSettle)
	e.Tick(context.Background())
}

func TestCorrectedOdometer(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, nil)

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1200, t0))
	require.NoError(t, e.SetSetting(ctx, trackerID, SettingOdometerOffset, 500))

	km, ok := e.CorrectedKm(trackerID)
	require.True(t, ok)
	assert.Equal(t, 1700.0, km)

	prev := km
	for _, sample := range []float64{1200, 1250.5, 1250.5, 1300, 2000} {
		require.NoError(t, e.ApplyLifetime(ctx, trackerID, sample, t0))
		km, _ := e.CorrectedKm(trackerID)
		assert.GreaterOrEqual(t, km, prev)
		prev = km
	}
}

func TestLifetimeRegressionIsDiscarded(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, nil)

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1200, t0))
	err := e.ApplyLifetime(ctx, trackerID, 1100, t0)
	require.Error(t, err)
	assert.True(t, errdefs.IsDataInconsistency(err))

	v, ok := e.Tracker(trackerID)
	require.True(t, ok)
	assert.Equal(t, 1200.0, v.Odometer.LifetimeKm)
}

func TestDiscardedLifetimeSamplesGoStale(t *testing.T) {
	ctx := context.Background()
	e, clk := newTestEngine(t, nil)
	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1200, t0))

	for range 3 {
		clk.Step(24 * time.Hour)
		e.ApplyStatus(ctx, []georide.TrackerStatus{{TrackerID: trackerID}}, clk.Now())
		e.ApplyTrips(ctx, trackerID, nil, clk.Now())
		require.Error(t, e.ApplyLifetime(ctx, trackerID, 1100, clk.Now()))
	}
	e.Tick(ctx)

	v, _ := e.Tracker(trackerID)
	assert.True(t, v.Stale)
	assert.Equal(t, []Domain{DomainLifetime}, v.StaleDomains)
}

func TestSetOdometer(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e, _ := newTestEngine(t, st)

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1200, t0))
	require.NoError(t, e.SetOdometer(ctx, trackerID, 25000))
	km, _ := e.CorrectedKm(trackerID)
	assert.Equal(t, 25000.0, km)

	err := e.SetOdometer(ctx, trackerID, 200000)
	assert.True(t, errdefs.IsConfigInvalid(err))
	km, _ = e.CorrectedKm(trackerID)
	assert.Equal(t, 25000.0, km)

	require.NoError(t, e.ResetOdometerOffset(ctx, trackerID))
	km, _ = e.CorrectedKm(trackerID)
	assert.Equal(t, 1200.0, km)
	_, found, err := st.Get(ctx, store.TrackerKey(trackerID, keyOffset))
	require.NoError(t, err)
	assert.False(t, found)

	assert.True(t, errdefs.IsNotFound(e.SetOdometer(ctx, "unknown", 1)))
}

func TestMaintenanceDueFiresOnceOnEdge(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, nil)

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1000, t0))
	require.NoError(t, e.ConfirmMaintenance(ctx, trackerID, Chain))
	drain(e)

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1350, t0))
	v, _ := e.Tracker(trackerID)
	assert.Equal(t, 150.0, v.Maintenance[Chain].RemainingKm)
	assert.False(t, v.Maintenance[Chain].Due)
	assert.Empty(t, drain(e))

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1450, t0))
	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1460, t0))
	e.Tick(ctx)
	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1470, t0))

	notes := drain(e)
	require.Len(t, notes, 1)
	assert.Equal(t, KindMaintenanceDue, notes[0].Kind)
	due := notes[0].Payload.(MaintenanceDue)
	assert.Equal(t, Chain, due.Discipline)
	assert.Equal(t, 50.0, due.RemainingKm)

	v, _ = e.Tracker(trackerID)
	assert.True(t, v.Due[DueChain])

	// Confirming clears the flag; the next crossing fires again.
	require.NoError(t, e.ConfirmMaintenance(ctx, trackerID, Chain))
	v, _ = e.Tracker(trackerID)
	assert.False(t, v.Due[DueChain])
	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1900, t0))
	assert.Equal(t, []Kind{KindMaintenanceDue}, kinds(drain(e)))
}

func TestServiceDueByDays(t *testing.T) {
	ctx := context.Background()
	e, clk := newTestEngine(t, nil)

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1000, t0))
	require.NoError(t, e.ConfirmMaintenance(ctx, trackerID, Service))
	require.NoError(t, e.SetSetting(ctx, trackerID, SettingServiceIntervalDays, 30))
	drain(e)

	clk.Step(29 * 24 * time.Hour)
	e.Tick(ctx)
	v, _ := e.Tracker(trackerID)
	assert.False(t, v.Maintenance[Service].Due)

	clk.Step(24 * time.Hour)
	e.Tick(ctx)
	v, _ = e.Tracker(trackerID)
	assert.True(t, v.Maintenance[Service].Due)
	assert.Contains(t, kinds(drain(e)), KindMaintenanceDue)
}

func TestDueFlagsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e, _ := newTestEngine(t, st)

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1000, t0))
	require.NoError(t, e.ConfirmMaintenance(ctx, trackerID, Chain))
	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1450, t0))
	assert.Equal(t, []Kind{KindMaintenanceDue}, kinds(drain(e)))

	restarted, _ := newTestEngine(t, st)
	require.NoError(t, restarted.ApplyLifetime(ctx, trackerID, 1460, t0))
	assert.Empty(t, drain(restarted))
}

func TestUnpersistedDueEdgeFiresAgain(t *testing.T) {
	ctx := context.Background()
	st := newFailingStore()
	e, _ := newTestEngine(t, st)

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1000, t0))
	require.NoError(t, e.ConfirmMaintenance(ctx, trackerID, Chain))
	drain(e)

	st.fail.Store(true)
	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1450, t0))
	assert.Empty(t, drain(e))
	v, _ := e.Tracker(trackerID)
	assert.False(t, v.Due[DueChain])

	st.fail.Store(false)
	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1455, t0))
	assert.Equal(t, []Kind{KindMaintenanceDue}, kinds(drain(e)))

	restarted, _ := newTestEngine(t, st)
	require.NoError(t, restarted.ApplyLifetime(ctx, trackerID, 1460, t0))
	assert.Empty(t, drain(restarted))
}

func TestFailedFillupSaveLeavesNothingPending(t *testing.T) {
	ctx := context.Background()
	st := newFailingStore()
	e, _ := newTestEngine(t, st)
	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1000, t0))

	st.fail.Store(true)
	require.Error(t, e.ConfirmFillup(ctx, trackerID))

	v, _ := e.Tracker(trackerID)
	assert.Nil(t, v.Fuel.Pending)
	var persisted FuelModel
	found, err := store.GetJSON(ctx, st, store.TrackerKey(trackerID, keyFuel), &persisted)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFailedTripSaveIsReportedAgain(t *testing.T) {
	ctx := context.Background()
	st := newFailingStore()
	e, _ := newTestEngine(t, st)
	trips := []georide.TripSummary{{ID: "1", Distance: 10000, EndTime: georide.Timestamp{Time: t0}}}

	st.fail.Store(true)
	assert.False(t, e.ApplyTrips(ctx, trackerID, trips, t0))

	st.fail.Store(false)
	assert.True(t, e.ApplyTrips(ctx, trackerID, trips, t0))
	last, _, err := st.Get(ctx, store.TrackerKey(trackerID, keyLastTrip))
	require.NoError(t, err)
	assert.Equal(t, "1", last)
}

func seedFuel(t *testing.T, st store.Store, f FuelModel) {
	t.Helper()
	require.NoError(t, store.SetJSON(context.Background(), st, store.TrackerKey(trackerID, keyFuel), f))
}

func TestFillupRollingAverage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedFuel(t, st, FuelModel{LastFillupOdometerKm: 1000, History: []float64{120, 130}, RollingAverageKm: 125, FillupCount: 3})
	e, clk := newTestEngine(t, st)

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1140, t0))
	lock(e, clk, false)
	require.NoError(t, e.ConfirmFillup(ctx, trackerID))
	clk.Step(5 * time.Minute)
	lock(e, clk, true)
	assert.Empty(t, ofKind(drain(e), KindFillupCommitted))
	expire(e, clk)

	committed := ofKind(drain(e), KindFillupCommitted)
	require.Len(t, committed, 1)
	assert.Equal(t, []float64{120, 130, 140}, committed[0].Payload.(FillupCommitted).History)
	assert.Equal(t, 130.0, committed[0].Payload.(FillupCommitted).RollingAverageKm)

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1290, t0))
	lock(e, clk, false)
	require.NoError(t, e.ConfirmFillup(ctx, trackerID))
	lock(e, clk, true)
	expire(e, clk)

	v, _ := e.Tracker(trackerID)
	assert.Equal(t, []float64{130, 140, 150}, v.Fuel.History)
	assert.Equal(t, 140.0, v.Fuel.RollingAverageKm)
	assert.Equal(t, 1290.0, v.Fuel.LastFillupOdometerKm)
	assert.Equal(t, 5, v.Fuel.FillupCount)
	assert.Nil(t, v.Fuel.Pending)
}

func TestFirstFillupOnlySnapshots(t *testing.T) {
	ctx := context.Background()
	e, clk := newTestEngine(t, nil)

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 500, t0))
	lock(e, clk, false)
	require.NoError(t, e.ConfirmFillup(ctx, trackerID))
	lock(e, clk, true)
	expire(e, clk)

	assert.NotContains(t, kinds(drain(e)), KindFillupCommitted)
	v, _ := e.Tracker(trackerID)
	assert.Equal(t, 1, v.Fuel.FillupCount)
	assert.Equal(t, 500.0, v.Fuel.LastFillupOdometerKm)
	assert.Empty(t, v.Fuel.History)
}

func TestNonPositiveFillupDistanceIsRejected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedFuel(t, st, FuelModel{LastFillupOdometerKm: 500, FillupCount: 1})
	e, clk := newTestEngine(t, st)

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 500, t0))
	lock(e, clk, false)
	require.NoError(t, e.ConfirmFillup(ctx, trackerID))
	lock(e, clk, true)
	expire(e, clk)

	assert.NotContains(t, kinds(drain(e)), KindFillupCommitted)
	v, _ := e.Tracker(trackerID)
	assert.Equal(t, 1, v.Fuel.FillupCount)
	assert.Empty(t, v.Fuel.History)
	assert.Nil(t, v.Fuel.Pending)
}

func TestFillupUsesOdometerAtTripEnd(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedFuel(t, st, FuelModel{LastFillupOdometerKm: 900, FillupCount: 1})
	e, clk := newTestEngine(t, st)

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1000, t0))
	lock(e, clk, false)
	require.NoError(t, e.ConfirmFillup(ctx, trackerID))
	clk.Step(5 * time.Minute)
	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1100, clk.Now()))
	lock(e, clk, true)
	expire(e, clk)

	committed := ofKind(drain(e), KindFillupCommitted)
	require.Len(t, committed, 1)
	assert.Equal(t, 1100.0, committed[0].Payload.(FillupCommitted).OdometerKm)
	assert.Equal(t, 200.0, committed[0].Payload.(FillupCommitted).DistanceKm)
	v, _ := e.Tracker(trackerID)
	assert.Equal(t, 1100.0, v.Fuel.LastFillupOdometerKm)
}

func TestFillupOdometerExcludesTripsAfterIt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedFuel(t, st, FuelModel{LastFillupOdometerKm: 900, FillupCount: 1})
	e, clk := newTestEngine(t, st)

	// The lifetime sample is hours old when the rider confirms at the pump.
	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1000, t0))
	toPump := georide.TripSummary{
		ID:        "a",
		Distance:  60000,
		StartTime: georide.Timestamp{Time: t0.Add(time.Hour)},
		EndTime:   georide.Timestamp{Time: t0.Add(2 * time.Hour)},
	}
	clk.Step(2 * time.Hour)
	require.NoError(t, e.ConfirmFillup(ctx, trackerID))

	lock(e, clk, false)
	home := georide.TripSummary{
		ID:        "b",
		Distance:  40000,
		StartTime: georide.Timestamp{Time: clk.Now().Add(time.Minute)},
		EndTime:   georide.Timestamp{Time: clk.Now().Add(time.Hour)},
	}
	clk.Step(time.Hour)
	lock(e, clk, true)

	clk.Step(time.Minute)
	e.ApplyTrips(ctx, trackerID, []georide.TripSummary{home, toPump}, clk.Now())
	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1100, clk.Now()))

	notes := drain(e)
	ended := ofKind(notes, KindTripEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, 40.0, ended[0].Payload.(TripEnded).OdometerDeltaKm)
	committed := ofKind(notes, KindFillupCommitted)
	require.Len(t, committed, 1)
	assert.Equal(t, 1060.0, committed[0].Payload.(FillupCommitted).OdometerKm)
	assert.Equal(t, 160.0, committed[0].Payload.(FillupCommitted).DistanceKm)
}

func TestFailedFillupCommitIsRetried(t *testing.T) {
	ctx := context.Background()
	st := newFailingStore()
	seedFuel(t, st, FuelModel{LastFillupOdometerKm: 1000, FillupCount: 1})
	e, clk := newTestEngine(t, st)

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1140, t0))
	lock(e, clk, false)
	require.NoError(t, e.ConfirmFillup(ctx, trackerID))
	lock(e, clk, true)

	st.fail.Store(true)
	expire(e, clk)
	assert.Empty(t, ofKind(drain(e), KindFillupCommitted))
	v, _ := e.Tracker(trackerID)
	assert.NotNil(t, v.Fuel.Pending)
	assert.Empty(t, v.Fuel.History)

	st.fail.Store(false)
	e.Tick(ctx)
	assert.Len(t, ofKind(drain(e), KindFillupCommitted), 1)

	var persisted FuelModel
	found, err := store.GetJSON(ctx, st, store.TrackerKey(trackerID, keyFuel), &persisted)
	require.NoError(t, err)
	require.True(t, found)
	assert.Nil(t, persisted.Pending)
	assert.Equal(t, []float64{140}, persisted.History)
}

func TestPendingFillupCommittedByTimeout(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedFuel(t, st, FuelModel{LastFillupOdometerKm: 1000, FillupCount: 1})
	e, clk := newTestEngine(t, st)

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1180, t0))
	require.NoError(t, e.ConfirmFillup(ctx, trackerID))

	clk.Step(29 * time.Minute)
	e.Tick(ctx)
	assert.NotContains(t, kinds(drain(e)), KindFillupCommitted)

	clk.Step(time.Minute)
	e.Tick(ctx)
	assert.Contains(t, kinds(drain(e)), KindFillupCommitted)

	v, _ := e.Tracker(trackerID)
	assert.Equal(t, []float64{180}, v.Fuel.History)
}

func TestFuelLow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedFuel(t, st, FuelModel{LastFillupOdometerKm: 1000, FillupCount: 1})
	e, _ := newTestEngine(t, st)

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1100, t0))
	assert.Empty(t, drain(e))

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1125, t0))
	notes := drain(e)
	require.Len(t, notes, 1)
	assert.Equal(t, KindFuelLow, notes[0].Kind)
	assert.Equal(t, 25.0, notes[0].Payload.(FuelLow).RemainingRangeKm)

	// A confirmed fill-up resets the range immediately.
	require.NoError(t, e.ConfirmFillup(ctx, trackerID))
	v, _ := e.Tracker(trackerID)
	assert.False(t, v.Fuel.Low)
	assert.Equal(t, 150.0, v.Fuel.RemainingRangeKm)
}

func TestTripEndOncePerLockEdge(t *testing.T) {
	ctx := context.Background()
	e, clk := newTestEngine(t, nil)
	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1000, t0))

	lock(e, clk, false)
	lock(e, clk, true)
	lock(e, clk, true)
	clk.Step(time.Second)
	lock(e, clk, true)
	expire(e, clk)
	assert.Equal(t, []Kind{KindTripEnded}, kinds(drain(e)))

	// Oscillation inside one polling window: one trip end per true edge.
	lock(e, clk, false)
	lock(e, clk, true)
	lock(e, clk, false)
	lock(e, clk, true)
	expire(e, clk)
	assert.Equal(t, []Kind{KindTripEnded, KindTripEnded}, kinds(drain(e)))
}

func TestFirstLockObservationIsNotATripEnd(t *testing.T) {
	e, clk := newTestEngine(t, nil)
	e.ApplyStatus(context.Background(), []georide.TrackerStatus{{TrackerID: trackerID, IsLocked: true}}, t0)
	lock(e, clk, true)
	assert.Empty(t, drain(e))
}

func TestTripEndWaitsForTripData(t *testing.T) {
	ctx := context.Background()
	var hooked []string
	e, clk := newTestEngine(t, nil, WithTripEndHook(func(id string) { hooked = append(hooked, id) }))

	older := georide.TripSummary{
		ID:        "t8",
		Distance:  12000,
		StartTime: georide.Timestamp{Time: t0.Add(-3 * time.Hour)},
		EndTime:   georide.Timestamp{Time: t0.Add(-2 * time.Hour)},
	}
	e.ApplyTrips(ctx, trackerID, []georide.TripSummary{older}, t0)
	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1000, t0))
	drain(e)

	lock(e, clk, false)
	unlockedAt := clk.Now()
	clk.Step(40 * time.Minute)
	lock(e, clk, true)
	lockedAt := clk.Now()

	assert.Empty(t, drain(e))
	assert.Equal(t, []string{trackerID}, hooked)

	// Trips refreshed but the lifetime is still the old sample.
	clk.Step(time.Second)
	trip := georide.TripSummary{
		ID:        "t9",
		Distance:  30000,
		StartTime: georide.Timestamp{Time: unlockedAt.Add(time.Minute)},
		EndTime:   georide.Timestamp{Time: lockedAt.Add(-time.Minute)},
	}
	e.ApplyTrips(ctx, trackerID, []georide.TripSummary{trip, older}, clk.Now())
	assert.Empty(t, ofKind(drain(e), KindTripEnded))

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1030, clk.Now()))
	notes := drain(e)
	require.Len(t, notes, 1)
	ended := notes[0].Payload.(TripEnded)
	assert.Equal(t, unlockedAt, ended.UnlockedAt)
	assert.Equal(t, lockedAt, ended.LockedAt)
	assert.Equal(t, 30.0, ended.OdometerDeltaKm)
	require.NotNil(t, ended.Trip)
	assert.Equal(t, "t9", ended.Trip.ID)
	assert.Equal(t, 30.0, ended.Trip.DistanceKm)

	e.Tick(ctx)
	assert.Empty(t, ofKind(drain(e), KindTripEnded))
}

func TestTripEndResolvedAfterSettleWithoutTrip(t *testing.T) {
	ctx := context.Background()
	e, clk := newTestEngine(t, nil)
	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1000, t0))

	lock(e, clk, false)
	clk.Step(20 * time.Second)
	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1012, clk.Now()))
	lock(e, clk, true)

	clk.Step(e.config().TripSettle - time.Second)
	e.Tick(ctx)
	assert.Empty(t, drain(e))

	clk.Step(time.Second)
	e.Tick(ctx)
	notes := drain(e)
	require.Len(t, notes, 1)
	ended := notes[0].Payload.(TripEnded)
	assert.Nil(t, ended.Trip)
	assert.Equal(t, 12.0, ended.OdometerDeltaKm)
}

func TestPollDoesNotOverrideFreshRealtimeFlag(t *testing.T) {
	ctx := context.Background()
	e, clk := newTestEngine(t, nil)
	e.ApplyStatus(ctx, []georide.TrackerStatus{{TrackerID: trackerID}}, clk.Now())

	lock(e, clk, true)

	clk.Step(time.Minute)
	e.ApplyStatus(ctx, []georide.TrackerStatus{{TrackerID: trackerID, IsLocked: false}}, clk.Now())
	v, _ := e.Tracker(trackerID)
	assert.True(t, v.Flags.Locked.Value)
	assert.Equal(t, SourceRealtime, v.Flags.Locked.Source)

	clk.Step(5 * time.Minute)
	e.ApplyStatus(ctx, []georide.TrackerStatus{{TrackerID: trackerID, IsLocked: false}}, clk.Now())
	v, _ = e.Tracker(trackerID)
	assert.False(t, v.Flags.Locked.Value)
	assert.Equal(t, SourcePoll, v.Flags.Locked.Source)
}

func TestMovementFallback(t *testing.T) {
	ctx := context.Background()
	e, clk := newTestEngine(t, nil)
	e.ApplyStatus(ctx, []georide.TrackerStatus{{TrackerID: trackerID}}, clk.Now())
	moving := func(v bool) {
		e.HandleEvent(ctx, realtime.MovementEvent{Meta: realtime.Meta{Tracker: trackerID, ReceivedAt: clk.Now()}, Moving: &v})
	}

	moving(true)
	moving(false)
	assert.Empty(t, drain(e), "fallback disabled")

	e.SetTripEndFallback(true)
	moving(true)
	clk.Step(5 * time.Minute)
	moving(false)
	expire(e, clk)
	notes := drain(e)
	require.Len(t, notes, 1)
	assert.True(t, notes[0].Payload.(TripEnded).Fallback)

	// Once seen locked, only lock edges end trips.
	lock(e, clk, true)
	drain(e)
	moving(true)
	moving(false)
	assert.Empty(t, drain(e))
}

func TestSettingsBounds(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e, _ := newTestEngine(t, st)
	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1000, t0))

	tests := []struct {
		key   string
		value float64
		ok    bool
	}{
		{SettingFuelRange, 49, false},
		{SettingFuelRange, 801, false},
		{SettingFuelRange, 300, true},
		{SettingChainInterval, 99, false},
		{SettingServiceIntervalDays, 731, false},
		{SettingTripNotify, 0, true},
		{"fuel.unknown", 1, false},
	}
	for _, tt := range tests {
		err := e.SetSetting(ctx, trackerID, tt.key, tt.value)
		if tt.ok {
			assert.NoError(t, err, tt.key)
		} else {
			assert.True(t, errdefs.IsConfigInvalid(err), "%s=%g", tt.key, tt.value)
		}
	}

	v, _ := e.Tracker(trackerID)
	assert.Equal(t, 300.0, v.Settings[SettingFuelRange])
	assert.Equal(t, 500.0, v.Settings[SettingChainInterval])

	restarted, _ := newTestEngine(t, st)
	v, ok := restarted.Tracker(trackerID)
	require.True(t, ok)
	assert.Equal(t, 300.0, v.Settings[SettingFuelRange])
}

func TestTripRecorded(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, nil)
	trip := func(id string, km float64) []georide.TripSummary {
		return []georide.TripSummary{{ID: georide.ID(id), Distance: km * 1000, EndTime: georide.Timestamp{Time: t0}}}
	}

	assert.True(t, e.ApplyTrips(ctx, trackerID, trip("1", 10), t0))
	assert.Empty(t, drain(e))

	assert.False(t, e.ApplyTrips(ctx, trackerID, trip("1", 10), t0))

	assert.True(t, e.ApplyTrips(ctx, trackerID, trip("2", 5), t0))
	assert.Equal(t, []Kind{KindTripRecorded}, kinds(drain(e)))

	assert.True(t, e.ApplyTrips(ctx, trackerID, trip("3", 1), t0))
	assert.Empty(t, drain(e))
}

func TestStaleness(t *testing.T) {
	ctx := context.Background()
	e, clk := newTestEngine(t, nil)

	status := func() {
		e.ApplyStatus(ctx, []georide.TrackerStatus{{TrackerID: trackerID}}, clk.Now())
		e.ApplyTrips(ctx, trackerID, nil, clk.Now())
		require.NoError(t, e.ApplyLifetime(ctx, trackerID, 100, clk.Now()))
	}
	status()
	e.Tick(ctx)
	assert.False(t, e.Degraded())

	clk.Step(11 * time.Minute)
	e.Tick(ctx)
	e.Tick(ctx)
	notes := drain(e)
	require.Equal(t, []Kind{KindStale}, kinds(notes))
	assert.Equal(t, []Domain{DomainStatus}, notes[0].Payload.(Stale).Domains)
	assert.True(t, e.Degraded())

	status()
	e.Tick(ctx)
	assert.False(t, e.Degraded())
	v, _ := e.Tracker(trackerID)
	assert.False(t, v.Stale)
}

type failedSession struct{}

func (failedSession) SessionFailed() bool { return true }

func TestDegradedOnSessionFailure(t *testing.T) {
	e := New(testConfig(), store.NewMemoryStore(), WithSession(failedSession{}))
	assert.True(t, e.Degraded())
}

func TestRunDeliversNotifications(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e, clk := newTestEngine(t, nil)

	got := make(chan Notification, 4)
	e.Subscribe(ObserverFunc(func(_ context.Context, n Notification) { got <- n }))
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.NoError(t, e.ApplyLifetime(ctx, trackerID, 1000, t0))
	lock(e, clk, false)
	lock(e, clk, true)
	clk.Step(e.config().TripSettle)
	e.Tick(ctx)

	select {
	case n := <-got:
		assert.Equal(t, KindTripEnded, n.Kind)
		assert.Equal(t, trackerID, n.TrackerID)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	cancel()
	require.NoError(t, <-done)
}
