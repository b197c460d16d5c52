package engine

import (
	"math"
	"time"

	"github.com/autopeer-io/tripsync/internal/georide"
	"github.com/autopeer-io/tripsync/internal/pkg/wallclock"
	"github.com/autopeer-io/tripsync/internal/realtime"
)

// Source records where a flag value came from.
type Source string

const (
	SourcePoll     Source = "poll"
	SourceRealtime Source = "realtime"
)

// Domain is a polled input domain, used for staleness.
type Domain string

const (
	DomainTrips    Domain = "trips"
	DomainLifetime Domain = "lifetime"
	DomainStatus   Domain = "status"
)

var domains = []Domain{DomainTrips, DomainLifetime, DomainStatus}

// Flag is one boolean tracker attribute with its provenance.
type Flag struct {
	Value  bool      `json:"value"`
	Known  bool      `json:"known"`
	Source Source    `json:"source,omitempty"`
	At     time.Time `json:"at,omitzero"`
}

// Flags are the boolean attributes of a tracker.
type Flags struct {
	Online  Flag `json:"online"`
	Locked  Flag `json:"locked"`
	Eco     Flag `json:"eco"`
	Moving  Flag `json:"moving"`
	Stolen  Flag `json:"stolen"`
	Crashed Flag `json:"crashed"`
}

// Odometer is the lifetime distance reported by the tracker plus the user offset.
type Odometer struct {
	LifetimeKm float64 `json:"lifetimeKm"`
	OffsetKm   float64 `json:"offsetKm"`
	// Known is false until the first lifetime sample.
	Known bool `json:"known"`
}

func (o Odometer) CorrectedKm() float64 {
	return o.LifetimeKm + o.OffsetKm
}

// Discipline is a maintenance kind.
type Discipline string

const (
	Chain   Discipline = "chain"
	Oil     Discipline = "oil"
	Service Discipline = "service"
)

var Disciplines = []Discipline{Chain, Oil, Service}

// ParseDiscipline validates a discipline name.
func ParseDiscipline(s string) (Discipline, bool) {
	d := Discipline(s)
	switch d {
	case Chain, Oil, Service:
		return d, true
	}
	return "", false
}

func (d Discipline) intervalKey() string { return string(d) + ".interval_km" }
func (d Discipline) alertKey() string    { return string(d) + ".alert_km" }

// MaintenanceRecord is the persisted part of a discipline: when it was last done.
type MaintenanceRecord struct {
	LastOdometerKm float64   `json:"lastOdometerKm"`
	LastDate       time.Time `json:"lastDate,omitzero"`
}

// Confirmed reports whether the discipline was ever confirmed.
func (r MaintenanceRecord) Confirmed() bool {
	return !r.LastDate.IsZero()
}

// MaintenanceStatus is a record evaluated against the settings and the odometer.
type MaintenanceStatus struct {
	MaintenanceRecord
	IntervalKm    float64 `json:"intervalKm"`
	IntervalDays  float64 `json:"intervalDays,omitempty"`
	AlertKm       float64 `json:"alertKm"`
	RemainingKm   float64 `json:"remainingKm"`
	RemainingDays float64 `json:"remainingDays,omitempty"`
	Due           bool    `json:"due"`
}

// evaluateMaintenance derives the status of d. A discipline never confirmed is not due.
func evaluateMaintenance(d Discipline, rec MaintenanceRecord, s Settings, correctedKm float64, now time.Time) MaintenanceStatus {
	st := MaintenanceStatus{
		MaintenanceRecord: rec,
		IntervalKm:        s.Get(d.intervalKey()),
		AlertKm:           s.Get(d.alertKey()),
	}
	if d == Service {
		st.IntervalDays = s.Get(SettingServiceIntervalDays)
	}

	st.RemainingKm = st.IntervalKm - (correctedKm - rec.LastOdometerKm)
	if !rec.Confirmed() {
		return st
	}

	st.Due = st.RemainingKm <= st.AlertKm
	if st.IntervalDays > 0 {
		elapsed := now.Sub(rec.LastDate).Hours() / 24
		st.RemainingDays = math.Floor(st.IntervalDays - elapsed)
		if st.RemainingDays <= 0 {
			st.Due = true
		}
	}
	return st
}

// PendingFillup is a confirmed fill-up waiting for the end of the current trip.
type PendingFillup struct {
	At         time.Time `json:"at"`
	OdometerKm float64   `json:"odometerKm"`
}

// MaxFillupHistory is the length of the inter-fill-up distance FIFO.
const MaxFillupHistory = 3

// FuelModel is the persisted fuel state.
type FuelModel struct {
	LastFillupOdometerKm float64        `json:"lastFillupOdometerKm"`
	History              []float64      `json:"history"`
	RollingAverageKm     float64        `json:"rollingAverageKm"`
	FillupCount          int            `json:"fillupCount"`
	Pending              *PendingFillup `json:"pending,omitempty"`
}

// push appends a distance, evicts the oldest beyond MaxFillupHistory and recomputes the mean.
func (f *FuelModel) push(km float64) {
	f.History = append(f.History, km)
	if len(f.History) > MaxFillupHistory {
		f.History = f.History[len(f.History)-MaxFillupHistory:]
	}
	sum := 0.0
	for _, v := range f.History {
		sum += v
	}
	f.RollingAverageKm = sum / float64(len(f.History))
}

// FuelStatus is the fuel model evaluated against the settings and the odometer.
type FuelStatus struct {
	FuelModel
	TotalRangeKm     float64 `json:"totalRangeKm"`
	AlertKm          float64 `json:"alertKm"`
	RemainingRangeKm float64 `json:"remainingRangeKm"`
	Low              bool    `json:"low"`
}

// evaluateFuel derives the range. Before the first fill-up the range is unknown and never low.
func evaluateFuel(f FuelModel, s Settings, correctedKm float64) FuelStatus {
	st := FuelStatus{
		FuelModel:    f,
		TotalRangeKm: s.Get(SettingFuelRange),
		AlertKm:      s.Get(SettingFuelAlert),
	}

	reference := f.LastFillupOdometerKm
	switch {
	case f.Pending != nil:
		reference = f.Pending.OdometerKm
	case f.FillupCount == 0:
		st.RemainingRangeKm = st.TotalRangeKm
		return st
	}

	st.RemainingRangeKm = st.TotalRangeKm - (correctedKm - reference)
	st.Low = st.RemainingRangeKm <= st.AlertKm
	return st
}

// Baseline is an odometer value captured at a wall-clock boundary.
type Baseline struct {
	Km float64   `json:"km"`
	At time.Time `json:"at"`
}

// PeriodicCounters are the distances since each captured baseline.
type PeriodicCounters struct {
	Baselines map[wallclock.Period]Baseline `json:"baselines"`
	DayKm     float64                       `json:"dayKm"`
	WeekKm    float64                       `json:"weekKm"`
	MonthKm   float64                       `json:"monthKm"`
}

func evaluateCounters(baselines map[wallclock.Period]Baseline, correctedKm float64, known bool) PeriodicCounters {
	c := PeriodicCounters{Baselines: make(map[wallclock.Period]Baseline, len(baselines))}
	for p, b := range baselines {
		c.Baselines[p] = b
	}
	if !known {
		return c
	}
	since := func(p wallclock.Period) float64 {
		if b, ok := baselines[p]; ok {
			return math.Max(0, correctedKm-b.Km)
		}
		return 0
	}
	c.DayKm = since(wallclock.Day)
	c.WeekKm = since(wallclock.Week)
	c.MonthKm = since(wallclock.Month)
	return c
}

// Position is the last accepted GPS fix.
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Radius    float64   `json:"radius"`
	SpeedKmh  float64   `json:"speedKmh"`
	Heading   float64   `json:"heading"`
	At        time.Time `json:"at"`
}

// TripInfo summarises a trip for views and notifications.
type TripInfo struct {
	ID           string        `json:"id"`
	Start        time.Time     `json:"start"`
	End          time.Time     `json:"end"`
	DistanceKm   float64       `json:"distanceKm"`
	Duration     time.Duration `json:"duration"`
	AverageKmh   float64       `json:"averageKmh"`
	MaxKmh       float64       `json:"maxKmh"`
	StartAddress string        `json:"startAddress,omitempty"`
	EndAddress   string        `json:"endAddress,omitempty"`
}

func newTripInfo(t georide.TripSummary) *TripInfo {
	return &TripInfo{
		ID:           t.ID.String(),
		Start:        t.StartTime.Time,
		End:          t.EndTime.Time,
		DistanceKm:   t.DistanceKm(),
		Duration:     t.DurationTime(),
		AverageKmh:   t.AverageSpeedKmh(),
		MaxKmh:       t.MaxSpeedKmh(),
		StartAddress: t.StartAddress,
		EndAddress:   t.EndAddress,
	}
}

// Due flag names.
const (
	DueChain   = "maintenance:chain"
	DueOil     = "maintenance:oil"
	DueService = "maintenance:service"
	DueFuelLow = "fuel:low"
)

func dueKey(d Discipline) string { return "maintenance:" + string(d) }

// TrackerView is a value copy of one tracker's derived state.
type TrackerView struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Model   string    `json:"model,omitempty"`
	Flags   Flags     `json:"flags"`
	Alarm   string    `json:"lastAlarm,omitempty"`
	AlarmAt time.Time `json:"lastAlarmAt,omitzero"`

	ExternalBatteryV float64   `json:"externalBatteryVoltage"`
	InternalBatteryV float64   `json:"internalBatteryVoltage"`
	Position         *Position `json:"position,omitempty"`
	ActivationDate   time.Time `json:"activationDate,omitzero"`

	Odometer    Odometer                         `json:"odometer"`
	CorrectedKm float64                          `json:"correctedKm"`
	Maintenance map[Discipline]MaintenanceStatus `json:"maintenance"`
	Fuel        FuelStatus                       `json:"fuel"`
	Counters    PeriodicCounters                 `json:"counters"`
	Settings    Settings                         `json:"settings"`
	Due         map[string]bool                  `json:"due"`

	LatestTrip *TripInfo `json:"latestTrip,omitempty"`
	TripCount  int       `json:"tripCount"`

	Stale        bool           `json:"stale"`
	StaleDomains []Domain       `json:"staleDomains,omitempty"`
	Connection   realtime.State `json:"connection"`
}
