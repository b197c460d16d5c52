package engine

import (
	"context"
	"time"
)

// Kind identifies a notification.
type Kind string

const (
	KindTripEnded       Kind = "trip_ended"
	KindTripRecorded    Kind = "trip_recorded"
	KindMaintenanceDue  Kind = "maintenance_due"
	KindFuelLow         Kind = "fuel_low"
	KindFillupCommitted Kind = "fillup_committed"
	KindStale           Kind = "stale"
)

// Notification is a user-visible transition of one tracker.
// Payload is one of TripEnded, TripRecorded, MaintenanceDue, FuelLow, FillupCommitted or Stale.
type Notification struct {
	TrackerID string    `json:"trackerId"`
	Kind      Kind      `json:"kind"`
	At        time.Time `json:"at"`
	Payload   any       `json:"payload"`
}

// TripEnded is emitted on a lock false→true edge, or a movement stop when the fallback is enabled.
type TripEnded struct {
	UnlockedAt time.Time `json:"unlockedAt,omitzero"`
	LockedAt   time.Time `json:"lockedAt"`
	// OdometerDeltaKm is the corrected odometer progress since the unlock as currently known.
	OdometerDeltaKm float64   `json:"odometerDeltaKm"`
	Trip            *TripInfo `json:"trip,omitempty"`
	Fallback        bool      `json:"fallback,omitempty"`
}

// TripRecorded is emitted when a new trip appears in the trip history.
type TripRecorded struct {
	Trip TripInfo `json:"trip"`
}

type MaintenanceDue struct {
	Discipline    Discipline `json:"discipline"`
	RemainingKm   float64    `json:"remainingKm"`
	RemainingDays float64    `json:"remainingDays,omitempty"`
}

type FuelLow struct {
	RemainingRangeKm float64 `json:"remainingRangeKm"`
}

type FillupCommitted struct {
	DistanceKm       float64   `json:"distanceKm"`
	RollingAverageKm float64   `json:"rollingAverageKm"`
	History          []float64 `json:"history"`
	OdometerKm       float64   `json:"odometerKm"`
}

type Stale struct {
	Domains []Domain `json:"domains"`
}

// Observer receives notifications. Notify runs on the engine's delivery goroutine.
type Observer interface {
	Notify(ctx context.Context, n Notification)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, n Notification)

func (f ObserverFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }
