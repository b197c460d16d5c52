package tripsync

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/tripsync/internal/coordinator"
	"github.com/autopeer-io/tripsync/internal/engine"
	"github.com/autopeer-io/tripsync/internal/georide"
	"github.com/autopeer-io/tripsync/internal/notifier"
	"github.com/autopeer-io/tripsync/internal/pkg/errdefs"
	"github.com/autopeer-io/tripsync/internal/realtime"
	"github.com/autopeer-io/tripsync/internal/scheduler"
	"github.com/autopeer-io/tripsync/internal/server"
	"github.com/autopeer-io/tripsync/internal/store"
	"github.com/autopeer-io/tripsync/pkg/log"
	pkgmqtt "github.com/autopeer-io/tripsync/pkg/mqtt"
	"github.com/autopeer-io/tripsync/pkg/mqtt/topic"
	"github.com/autopeer-io/tripsync/pkg/options"
)

// lifetimeFallback is how far back lifetime trips are summed when the activation date is unknown.
const lifetimeFallback = 5 * 365 * 24 * time.Hour

// API is the remote service as used by the daemon. *georide.Client implements it.
type API interface {
	server.Commander
	realtime.TokenSource

	Login(ctx context.Context) error
	ListTrackers(ctx context.Context) ([]georide.TrackerStatus, error)
	ListTrips(ctx context.Context, trackerID string, from, to time.Time) ([]georide.TripSummary, error)
	SessionFailed() bool
}

type Option func(*Syncer)

// WithAPI replaces the GeoRide client.
func WithAPI(api API) Option {
	return func(s *Syncer) { s.api = api }
}

// WithStore replaces the store built from the options.
func WithStore(st store.Store) Option {
	return func(s *Syncer) { s.store = st }
}

func WithClock(clk clock.WithTicker) Option {
	return func(s *Syncer) { s.clock = clk }
}

// WithRealtimeDialer replaces the websocket dialer.
func WithRealtimeDialer(d realtime.Dialer) Option {
	return func(s *Syncer) { s.dialer = d }
}

type trackerLoops struct {
	trips    *coordinator.Coordinator[[]georide.TripSummary]
	lifetime *coordinator.Coordinator[float64]
}

// Syncer owns every long-lived component.
type Syncer struct {
	cfg    *Config
	clock  clock.WithTicker
	api    API
	store  store.Store
	dialer realtime.Dialer

	filter    *georide.PrecisionFilter
	engine    *engine.Engine
	realtime  *realtime.Manager
	scheduler *scheduler.Scheduler
	status    *coordinator.Coordinator[[]georide.TrackerStatus]

	mqtt     pkgmqtt.Client
	notifier *notifier.MQTTNotifier

	mu       sync.RWMutex
	runCtx   context.Context
	trackers map[string]*trackerLoops
	loops    sync.WaitGroup
}

// New builds the daemon from cfg. It connects to the store but not to GeoRide.
func New(ctx context.Context, cfg *Config, opt ...Option) (*Syncer, error) {
	s := &Syncer{
		cfg:      cfg,
		clock:    clock.RealClock{},
		trackers: make(map[string]*trackerLoops),
		runCtx:   context.Background(),
	}
	for _, o := range opt {
		o(s)
	}

	if s.api == nil {
		client, err := georide.NewClient(cfg.GeoRideOptions)
		if err != nil {
			return nil, err
		}
		s.api = client
	}
	if s.store == nil {
		st, err := store.New(ctx, cfg.StoreOptions, cfg.RedisOptions, cfg.S3Options)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		s.store = st
	}

	refresh := cfg.RefreshOptions
	s.filter = georide.NewPrecisionFilter(refresh.MaxGPSRadius)

	var rtOpts []realtime.ManagerOption
	rtOpts = append(rtOpts, realtime.WithClock(s.clock))
	if s.dialer != nil {
		rtOpts = append(rtOpts, realtime.WithDialer(s.dialer))
	}
	s.realtime = realtime.NewManager(cfg.RealtimeOptions, s.api, s.filter, rtOpts...)

	s.engine = engine.New(engine.Config{
		StatusInterval:   refresh.StatusInterval,
		TripsInterval:    refresh.TripsInterval,
		LifetimeInterval: refresh.LifetimeInterval,
		TripEndFallback:  refresh.TripEndFallback,
		FillupFallback:   refresh.FillupFallback,
		TripSettle:       refresh.TripSettle,
	}, s.store,
		engine.WithClock(s.clock),
		engine.WithSession(s.api),
		engine.WithConnection(s.realtime),
		engine.WithTripEndHook(s.onTripEnd),
	)
	s.engine.Subscribe(notifier.NewLogNotifier())

	sched, err := scheduler.New(s.engine, refresh.MonthResetDay, scheduler.WithClock(s.clock))
	if err != nil {
		return nil, err
	}
	s.scheduler = sched

	s.status, err = coordinator.New(coordinator.Config{
		Name:         "status",
		Interval:     refresh.StatusInterval,
		Bounds:       coordinator.Bounds{Min: options.MinStatusInterval, Max: options.MaxStatusInterval},
		FetchTimeout: refresh.FetchTimeout,
	}, s.api.ListTrackers, s.clock)
	if err != nil {
		return nil, err
	}
	s.status.Subscribe(s.onStatus)

	s.realtime.Subscribe(func(ev realtime.Event) {
		s.engine.HandleEvent(s.context(), ev)
	})

	if cfg.MqttOptions != nil && cfg.MqttOptions.Enabled {
		client, err := notifier.Connect(ctx, cfg.MqttOptions)
		if err != nil {
			return nil, err
		}
		s.mqtt = client
		s.notifier = notifier.NewMQTTNotifier(client, topic.NewTopicBuilder(cfg.MqttOptions.TopicRoot), cfg.MqttOptions.QoS, s.engine)
		s.engine.Subscribe(s.notifier)
	}

	return s, nil
}

// Engine exposes the derived state.
func (s *Syncer) Engine() *engine.Engine { return s.engine }

func (s *Syncer) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runCtx
}

// Run starts every component and blocks until ctx is done or one of them fails.
func (s *Syncer) Run(ctx context.Context) error {
	if err := s.engine.Restore(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	if err := s.api.Login(ctx); err != nil {
		// Polling retries; an auth failure leaves the daemon degraded.
		log.Error(err, "Initial GeoRide login failed")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.runCtx = runCtx
	s.mu.Unlock()

	mgr := server.NewManager()
	mgr.Add("status", server.RunnableFunc(s.status.Run))
	mgr.Add("engine", server.RunnableFunc(s.engine.Run))
	mgr.Add("scheduler", server.RunnableFunc(s.scheduler.Run))
	mgr.Add("realtime", server.RunnableFunc(s.realtime.Run))
	if h := s.cfg.HttpOptions; h != nil && h.Enabled {
		api := server.NewAPI(s.engine, s, &commander{API: s.api, filter: s.filter})
		mgr.Add("http", server.NewHTTPServer(h, api.Handler()))
	}
	if s.cfg.ConfigFile != "" && s.cfg.Reload != nil {
		mgr.Add("config-watcher", server.RunnableFunc(s.watchConfig))
	}
	if s.notifier != nil {
		if err := s.notifier.Online(ctx, true); err != nil {
			log.Warn("Failed to publish online status", "err", err)
		}
	}

	log.Info("Starting tripsync",
		"statusInterval", s.cfg.RefreshOptions.StatusInterval,
		"tripsInterval", s.cfg.RefreshOptions.TripsInterval,
		"lifetimeInterval", s.cfg.RefreshOptions.LifetimeInterval,
		"realtime", s.cfg.RealtimeOptions.Enabled)

	err := mgr.Start(runCtx)
	cancel()
	s.shutdown()
	return err
}

// shutdown waits for the per-tracker loops within the deadline and releases resources.
func (s *Syncer) shutdown() {
	deadline := s.cfg.RefreshOptions.ShutdownTimeout
	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Warn("Shutdown deadline reached with refreshes in flight", "deadline", deadline)
	}

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	if s.notifier != nil {
		if err := s.notifier.Online(ctx, false); err != nil {
			log.Warn("Failed to publish offline status", "err", err)
		}
	}
	if s.mqtt != nil {
		s.mqtt.Disconnect(ctx)
	}
	if err := s.store.Close(); err != nil {
		log.Error(err, "Failed to close store")
	}
	log.Info("tripsync stopped")
}

func (s *Syncer) onStatus(snap coordinator.Snapshot[[]georide.TrackerStatus]) {
	if !snap.Healthy {
		return
	}
	s.engine.ApplyStatus(s.context(), snap.Data, snap.FetchedAt)

	ids := make([]string, 0, len(snap.Data))
	for _, t := range snap.Data {
		if id := t.TrackerID.String(); id != "" {
			ids = append(ids, id)
		}
	}
	s.ensureTrackers(ids)
	s.realtime.SetTrackers(ids)
}

// ensureTrackers starts the trip and lifetime loops of trackers seen for the first time.
func (s *Syncer) ensureTrackers(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.trackers[id]; ok {
			continue
		}
		loops, err := s.newTrackerLoops(id)
		if err != nil {
			log.Error(err, "Failed to create tracker coordinators", "trackerID", id)
			continue
		}
		s.trackers[id] = loops
		ctx := s.runCtx
		s.loops.Go(func() { _ = loops.trips.Run(ctx) })
		s.loops.Go(func() { _ = loops.lifetime.Run(ctx) })
		log.Info("Tracking new tracker", "trackerID", id)
	}
}

func (s *Syncer) newTrackerLoops(id string) (*trackerLoops, error) {
	refresh := s.reloadable().Refresh

	trips, err := coordinator.New(coordinator.Config{
		Name:         "trips",
		Interval:     refresh.TripsInterval,
		Bounds:       coordinator.Bounds{Min: options.MinTripsInterval, Max: options.MaxTripsInterval},
		FetchTimeout: refresh.FetchTimeout,
	}, s.fetchTrips(id), s.clock)
	if err != nil {
		return nil, err
	}

	lifetime, err := coordinator.New(coordinator.Config{
		Name:         "lifetime",
		Interval:     refresh.LifetimeInterval,
		Bounds:       coordinator.Bounds{Min: options.MinLifetimeInterval, Max: options.MaxLifetimeInterval},
		FetchTimeout: refresh.FetchTimeout,
		Midnight:     true,
	}, s.fetchLifetime(id), s.clock)
	if err != nil {
		return nil, err
	}

	trips.Subscribe(func(snap coordinator.Snapshot[[]georide.TripSummary]) {
		if !snap.Healthy {
			return
		}
		if s.engine.ApplyTrips(s.context(), id, snap.Data, snap.FetchedAt) {
			lifetime.Trigger()
		}
	})
	lifetime.Subscribe(func(snap coordinator.Snapshot[float64]) {
		if !snap.Healthy {
			return
		}
		if err := s.engine.ApplyLifetime(s.context(), id, snap.Data, snap.FetchedAt); err != nil {
			return
		}
		s.scheduler.Poke()
	})

	return &trackerLoops{trips: trips, lifetime: lifetime}, nil
}

func (s *Syncer) fetchTrips(id string) coordinator.Fetcher[[]georide.TripSummary] {
	return func(ctx context.Context) ([]georide.TripSummary, error) {
		ctx = log.NewContext(ctx, log.WithValues("trackerID", id, "domain", engine.DomainTrips))
		now := s.clock.Now()
		from := now.AddDate(0, 0, -s.reloadable().Refresh.TripsDaysBack)
		trips, err := s.api.ListTrips(ctx, id, from, now)
		if err != nil {
			return nil, err
		}
		slices.SortFunc(trips, func(a, b georide.TripSummary) int {
			return b.EndTime.Compare(a.EndTime.Time)
		})
		return trips, nil
	}
}

func (s *Syncer) fetchLifetime(id string) coordinator.Fetcher[float64] {
	return func(ctx context.Context) (float64, error) {
		ctx = log.NewContext(ctx, log.WithValues("trackerID", id, "domain", engine.DomainLifetime))
		now := s.clock.Now()
		from := now.Add(-lifetimeFallback)
		if v, ok := s.engine.Tracker(id); ok && !v.ActivationDate.IsZero() {
			from = v.ActivationDate
		}
		trips, err := s.api.ListTrips(ctx, id, from, now)
		if err != nil {
			return 0, err
		}
		return georide.LifetimeKm(trips), nil
	}
}

// onTripEnd refreshes the trips and lifetime of a tracker that just ended a trip.
func (s *Syncer) onTripEnd(trackerID string) {
	s.mu.RLock()
	loops, ok := s.trackers[trackerID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	loops.trips.Trigger()
	loops.lifetime.Trigger()
}

// Refresh triggers an on-demand poll.
func (s *Syncer) Refresh(trackerID string, d engine.Domain) error {
	if d == engine.DomainStatus {
		if _, ok := s.engine.Tracker(trackerID); !ok {
			return errdefs.NotFound("tracker %s", trackerID)
		}
		s.status.Trigger()
		return nil
	}

	s.mu.RLock()
	loops, ok := s.trackers[trackerID]
	s.mu.RUnlock()

	switch {
	case d != engine.DomainTrips && d != engine.DomainLifetime:
		return errdefs.ConfigInvalid("unknown refresh domain %q", d)
	case !ok:
		return errdefs.NotFound("tracker %s", trackerID)
	case d == engine.DomainTrips:
		loops.trips.Trigger()
	default:
		loops.lifetime.Trigger()
	}
	return nil
}

func (s *Syncer) reloadable() Reloadable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Reloadable{Refresh: s.cfg.RefreshOptions, Realtime: s.cfg.RealtimeOptions}
}

// Reconfigure applies changed hot-reloadable settings. An invalid configuration is rejected as a whole.
func (s *Syncer) Reconfigure(next *Reloadable) error {
	errs := append(next.Refresh.Validate(), next.Realtime.Validate()...)
	if err := utilerrors.NewAggregate(errs); err != nil {
		return errdefs.ConfigInvalid("%v", err)
	}
	r := next.Refresh

	if err := s.status.SetInterval(r.StatusInterval); err != nil {
		return err
	}

	s.mu.Lock()
	for _, loops := range s.trackers {
		if err := loops.trips.SetInterval(r.TripsInterval); err != nil {
			errs = append(errs, err)
		}
		if err := loops.lifetime.SetInterval(r.LifetimeInterval); err != nil {
			errs = append(errs, err)
		}
	}
	s.cfg.RefreshOptions = r
	s.cfg.RealtimeOptions = next.Realtime
	s.mu.Unlock()

	s.engine.SetIntervals(r.StatusInterval, r.TripsInterval, r.LifetimeInterval)
	s.engine.SetTripEndFallback(r.TripEndFallback)
	s.engine.SetFillupFallback(r.FillupFallback)
	s.engine.SetTripSettle(r.TripSettle)
	s.filter.SetMaxRadius(r.MaxGPSRadius)
	if err := s.scheduler.SetMonthDay(r.MonthResetDay); err != nil {
		errs = append(errs, err)
	}
	s.realtime.SetEnabled(next.Realtime.Enabled)

	log.Info("Configuration reloaded",
		"statusInterval", r.StatusInterval,
		"tripsInterval", r.TripsInterval,
		"lifetimeInterval", r.LifetimeInterval,
		"maxGPSRadius", r.MaxGPSRadius,
		"realtime", next.Realtime.Enabled)
	return utilerrors.NewAggregate(errs)
}

// commander filters trip positions by GPS precision before serving them.
type commander struct {
	API
	filter *georide.PrecisionFilter
}

func (c *commander) TripPositions(ctx context.Context, trackerID, tripID string) ([]georide.Position, error) {
	positions, err := c.API.TripPositions(ctx, trackerID, tripID)
	if err != nil {
		return nil, err
	}
	return c.filter.Filter(positions), nil
}
