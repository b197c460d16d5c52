package engine

import (
	"context"
	"maps"
	"time"

	"github.com/autopeer-io/tripsync/internal/pkg/errdefs"
	"github.com/autopeer-io/tripsync/internal/pkg/wallclock"
)

// mutate runs fn under the tracker's lock, re-evaluates due flags and dispatches the notifications afterwards.
func (e *Engine) mutate(ctx context.Context, id string, fn func(st *trackerState) ([]Notification, error)) error {
	st, err := e.lookup(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	notes, err := fn(st)
	if err == nil {
		notes = append(notes, e.evaluateLocked(ctx, st)...)
	}
	e.unlock(st, notes)
	return err
}

func requireOdometer(st *trackerState) error {
	if !st.odometer.Known {
		return errdefs.NotFound("tracker %s has no odometer reading yet", st.id)
	}
	return nil
}

// ConfirmFillup records a fill-up at the current corrected odometer. It is committed at the next trip end.
// A fill-up already pending is replaced.
func (e *Engine) ConfirmFillup(ctx context.Context, id string) error {
	return e.mutate(ctx, id, func(st *trackerState) ([]Notification, error) {
		if err := requireOdometer(st); err != nil {
			return nil, err
		}
		next := st.fuel
		next.Pending = &PendingFillup{At: e.clock.Now(), OdometerKm: st.odometer.CorrectedKm()}
		if err := e.save(ctx, st, keyFuel, next); err != nil {
			return nil, err
		}
		if st.fuel.Pending != nil {
			st.log.Info("Replaced pending fill-up", "pendingSince", st.fuel.Pending.At)
		}
		st.fuel = next
		st.commitRetry = false
		return nil, nil
	})
}

// ConfirmMaintenance marks a discipline as done now at the current corrected odometer.
func (e *Engine) ConfirmMaintenance(ctx context.Context, id string, d Discipline) error {
	if _, ok := ParseDiscipline(string(d)); !ok {
		return errdefs.ConfigInvalid("unknown maintenance discipline %q", d)
	}
	return e.mutate(ctx, id, func(st *trackerState) ([]Notification, error) {
		if err := requireOdometer(st); err != nil {
			return nil, err
		}
		rec := MaintenanceRecord{LastOdometerKm: st.odometer.CorrectedKm(), LastDate: e.clock.Now()}
		if err := e.save(ctx, st, keyMaintenance(d), rec); err != nil {
			return nil, err
		}
		st.maintenance[d] = rec
		st.log.Info("Maintenance confirmed", "discipline", d, "odometerKm", rec.LastOdometerKm)
		return nil, nil
	})
}

// SetOdometer sets the offset so that the corrected odometer reads value.
func (e *Engine) SetOdometer(ctx context.Context, id string, value float64) error {
	return e.mutate(ctx, id, func(st *trackerState) ([]Notification, error) {
		if err := requireOdometer(st); err != nil {
			return nil, err
		}
		return nil, e.setOffsetLocked(ctx, st, value-st.odometer.LifetimeKm)
	})
}

// ResetOdometerOffset sets the offset back to zero by dropping the persisted offset.
func (e *Engine) ResetOdometerOffset(ctx context.Context, id string) error {
	return e.mutate(ctx, id, func(st *trackerState) ([]Notification, error) {
		if err := e.remove(ctx, st, keyOffset); err != nil {
			return nil, err
		}
		st.odometer.OffsetKm = 0
		st.log.Info("Odometer offset reset")
		return nil, nil
	})
}

func (e *Engine) setOffsetLocked(ctx context.Context, st *trackerState, offset float64) error {
	if err := ValidateSetting(SettingOdometerOffset, offset); err != nil {
		return err
	}
	if err := e.save(ctx, st, keyOffset, offset); err != nil {
		return err
	}
	st.odometer.OffsetKm = offset
	st.log.Info("Odometer offset set", "offsetKm", offset)
	return nil
}

// SetSetting changes one threshold. Invalid values are rejected and the previous value kept.
func (e *Engine) SetSetting(ctx context.Context, id, key string, value float64) error {
	if err := ValidateSetting(key, value); err != nil {
		return err
	}
	return e.mutate(ctx, id, func(st *trackerState) ([]Notification, error) {
		if key == SettingOdometerOffset {
			return nil, e.setOffsetLocked(ctx, st, value)
		}

		next := maps.Clone(st.settings)
		next[key] = value
		if err := e.save(ctx, st, keySettings, next); err != nil {
			return nil, err
		}
		st.settings = next
		return nil, nil
	})
}

// CorrectedKm returns the corrected odometer of id, if known.
func (e *Engine) CorrectedKm(id string) (float64, bool) {
	st, err := e.lookup(id)
	if err != nil {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.odometer.CorrectedKm(), st.odometer.Known
}

// Baseline returns the last captured baseline of a period.
func (e *Engine) Baseline(id string, p wallclock.Period) (Baseline, bool) {
	st, err := e.lookup(id)
	if err != nil {
		return Baseline{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	b, ok := st.baselines[p]
	return b, ok
}

// CaptureBaseline records the current corrected odometer as the baseline of p, stamped at.
func (e *Engine) CaptureBaseline(ctx context.Context, id string, p wallclock.Period, at time.Time) error {
	return e.mutate(ctx, id, func(st *trackerState) ([]Notification, error) {
		if err := requireOdometer(st); err != nil {
			return nil, err
		}
		b := Baseline{Km: st.odometer.CorrectedKm(), At: at}
		if err := e.save(ctx, st, keyBaseline(p), b); err != nil {
			return nil, err
		}
		st.baselines[p] = b
		st.log.Info("Captured baseline", "period", p, "km", b.Km)
		return nil, nil
	})
}
