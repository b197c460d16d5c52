package engine

import (
	"context"

	"github.com/autopeer-io/tripsync/internal/pkg/wallclock"
	"github.com/autopeer-io/tripsync/internal/store"
)

// Per-tracker store keys, below store.TrackerKey(id, ...).
const (
	keySettings = "settings"
	keyOffset   = "odometer/offset_km"
	keyFuel     = "fuel"
	keyDue      = "due"
	keyLastTrip = "last_trip"
)

func keyMaintenance(d Discipline) string    { return "maintenance/" + string(d) }
func keyBaseline(p wallclock.Period) string { return "baseline/" + string(p) }

// load reads the persisted part of st. Missing keys keep their defaults.
func (st *trackerState) load(ctx context.Context, s store.Store) error {
	k := func(name string) string { return store.TrackerKey(st.id, name) }

	var settings map[string]float64
	if _, err := store.GetJSON(ctx, s, k(keySettings), &settings); err != nil {
		return err
	}
	st.settings.merge(settings)

	offset, err := store.GetFloat(ctx, s, k(keyOffset), 0)
	if err != nil {
		return err
	}
	st.odometer.OffsetKm = offset

	for _, d := range Disciplines {
		var rec MaintenanceRecord
		found, err := store.GetJSON(ctx, s, k(keyMaintenance(d)), &rec)
		if err != nil {
			return err
		}
		if found {
			st.maintenance[d] = rec
		}
	}

	if _, err := store.GetJSON(ctx, s, k(keyFuel), &st.fuel); err != nil {
		return err
	}

	for _, p := range wallclock.Periods {
		var b Baseline
		found, err := store.GetJSON(ctx, s, k(keyBaseline(p)), &b)
		if err != nil {
			return err
		}
		if found {
			st.baselines[p] = b
		}
	}

	due := map[string]bool{}
	if _, err := store.GetJSON(ctx, s, k(keyDue), &due); err != nil {
		return err
	}
	st.due = due

	lastTrip, _, err := s.Get(ctx, k(keyLastTrip))
	if err != nil {
		return err
	}
	st.lastTripID = lastTrip
	return nil
}

// save persists one value of st. Callers hold st.mu. Failures are logged and returned.
func (e *Engine) save(ctx context.Context, st *trackerState, name string, v any) error {
	key := store.TrackerKey(st.id, name)

	var err error
	switch v := v.(type) {
	case string:
		err = e.store.Set(ctx, key, v)
	case float64:
		err = store.SetFloat(ctx, e.store, key, v)
	default:
		err = store.SetJSON(ctx, e.store, key, v)
	}
	if err != nil {
		st.log.Error(err, "Failed to persist tracker state", "key", key)
	}
	return err
}

// remove deletes one persisted value of st. Callers hold st.mu.
func (e *Engine) remove(ctx context.Context, st *trackerState, name string) error {
	key := store.TrackerKey(st.id, name)
	if err := e.store.Delete(ctx, key); err != nil {
		st.log.Error(err, "Failed to delete tracker state", "key", key)
		return err
	}
	return nil
}
