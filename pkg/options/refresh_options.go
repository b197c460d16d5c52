package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*RefreshOptions)(nil)

// Polling interval bounds per domain.
const (
	MinTripsInterval    = 5 * time.Minute
	MaxTripsInterval    = 24 * time.Hour
	MinLifetimeInterval = time.Hour
	MaxLifetimeInterval = 7 * 24 * time.Hour
	MinStatusInterval   = time.Minute
	MaxStatusInterval   = time.Hour

	MinTripsDaysBack = 1
	MaxTripsDaysBack = 365

	MinMonthResetDay = 1
	MaxMonthResetDay = 28
)

// RefreshOptions configures polling cadence and derived-state behaviour.
type RefreshOptions struct {
	TripsInterval    time.Duration `json:"trips-interval" mapstructure:"trips-interval"`
	LifetimeInterval time.Duration `json:"lifetime-interval" mapstructure:"lifetime-interval"`
	StatusInterval   time.Duration `json:"status-interval" mapstructure:"status-interval"`

	// FetchTimeout bounds a single coordinator fetch.
	FetchTimeout time.Duration `json:"fetch-timeout" mapstructure:"fetch-timeout"`

	TripsDaysBack int `json:"trips-days-back" mapstructure:"trips-days-back"`

	// MaxGPSRadius drops positions whose accuracy radius (metres) is above it. 0 disables the filter.
	MaxGPSRadius float64 `json:"max-gps-radius" mapstructure:"max-gps-radius"`

	MonthResetDay int `json:"month-reset-day" mapstructure:"month-reset-day"`

	// TripEndFallback uses movement stop as trip end for trackers that never report a lock state.
	TripEndFallback bool `json:"trip-end-fallback" mapstructure:"trip-end-fallback"`

	// FillupFallback commits a pending fill-up when no trip ends within this delay.
	FillupFallback time.Duration `json:"fillup-fallback" mapstructure:"fillup-fallback"`

	// TripSettle bounds how long a trip end waits for the trips and lifetime fetched after it.
	TripSettle time.Duration `json:"trip-settle" mapstructure:"trip-settle"`

	ShutdownTimeout time.Duration `json:"shutdown-timeout" mapstructure:"shutdown-timeout"`
}

func NewRefreshOptions() *RefreshOptions {
	return &RefreshOptions{
		TripsInterval:    time.Hour,
		LifetimeInterval: 24 * time.Hour,
		StatusInterval:   5 * time.Minute,
		FetchTimeout:     time.Minute,
		TripsDaysBack:    30,
		MaxGPSRadius:     0,
		MonthResetDay:    1,
		TripEndFallback:  false,
		FillupFallback:   30 * time.Minute,
		TripSettle:       10 * time.Minute,
		ShutdownTimeout:  10 * time.Second,
	}
}

func (o *RefreshOptions) Validate() []error {
	errs := []error{}

	errs = appendRange(errs, "--refresh.trips-interval", o.TripsInterval, MinTripsInterval, MaxTripsInterval)
	errs = appendRange(errs, "--refresh.lifetime-interval", o.LifetimeInterval, MinLifetimeInterval, MaxLifetimeInterval)
	errs = appendRange(errs, "--refresh.status-interval", o.StatusInterval, MinStatusInterval, MaxStatusInterval)

	if o.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--refresh.fetch-timeout must be positive"))
	}
	if o.TripsDaysBack < MinTripsDaysBack || o.TripsDaysBack > MaxTripsDaysBack {
		errs = append(errs, fmt.Errorf("--refresh.trips-days-back must be in [%d, %d], got %d",
			MinTripsDaysBack, MaxTripsDaysBack, o.TripsDaysBack))
	}
	if o.MaxGPSRadius < 0 {
		errs = append(errs, fmt.Errorf("--refresh.max-gps-radius must not be negative"))
	}
	if o.MonthResetDay < MinMonthResetDay || o.MonthResetDay > MaxMonthResetDay {
		errs = append(errs, fmt.Errorf("--refresh.month-reset-day must be in [%d, %d], got %d",
			MinMonthResetDay, MaxMonthResetDay, o.MonthResetDay))
	}
	if o.FillupFallback <= 0 {
		errs = append(errs, fmt.Errorf("--refresh.fillup-fallback must be positive"))
	}
	if o.TripSettle <= 0 {
		errs = append(errs, fmt.Errorf("--refresh.trip-settle must be positive"))
	}

	return errs
}

func (o *RefreshOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.DurationVar(&o.TripsInterval, "refresh.trips-interval", o.TripsInterval,
		fmt.Sprintf("Trip history polling interval [%s, %s].", MinTripsInterval, MaxTripsInterval))
	fs.DurationVar(&o.LifetimeInterval, "refresh.lifetime-interval", o.LifetimeInterval,
		fmt.Sprintf("Lifetime distance polling interval [%s, %s].", MinLifetimeInterval, MaxLifetimeInterval))
	fs.DurationVar(&o.StatusInterval, "refresh.status-interval", o.StatusInterval,
		fmt.Sprintf("Tracker status polling interval [%s, %s].", MinStatusInterval, MaxStatusInterval))
	fs.DurationVar(&o.FetchTimeout, "refresh.fetch-timeout", o.FetchTimeout, "Timeout of a single refresh.")
	fs.IntVar(&o.TripsDaysBack, "refresh.trips-days-back", o.TripsDaysBack, "Number of days of trip history to fetch.")
	fs.Float64Var(&o.MaxGPSRadius, "refresh.max-gps-radius", o.MaxGPSRadius, "Drop positions with an accuracy radius above this many metres (0 disables).")
	fs.IntVar(&o.MonthResetDay, "refresh.month-reset-day", o.MonthResetDay, "Day of month (1-28) on which the monthly counter restarts.")
	fs.BoolVar(&o.TripEndFallback, "refresh.trip-end-fallback", o.TripEndFallback, "Detect trip end from movement stop when a tracker never reports lock state.")
	fs.DurationVar(&o.FillupFallback, "refresh.fillup-fallback", o.FillupFallback, "Commit a pending fill-up when no trip ends within this delay.")
	fs.DurationVar(&o.TripSettle, "refresh.trip-settle", o.TripSettle, "Wait at most this long for trip data before announcing a trip end.")
	fs.DurationVar(&o.ShutdownTimeout, "refresh.shutdown-timeout", o.ShutdownTimeout, "Deadline for in-flight work at shutdown.")
}

func appendRange(errs []error, flag string, v, lo, hi time.Duration) []error {
	if v < lo || v > hi {
		return append(errs, fmt.Errorf("%s must be in [%s, %s], got %s", flag, lo, hi, v))
	}
	return errs
}
