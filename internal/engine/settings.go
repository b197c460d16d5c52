package engine

import (
	"maps"
	"slices"

	"github.com/autopeer-io/tripsync/internal/pkg/errdefs"
)

// Setting keys.
const (
	SettingFuelRange           = "fuel.range_km"
	SettingFuelAlert           = "fuel.alert_km"
	SettingChainInterval       = "chain.interval_km"
	SettingChainAlert          = "chain.alert_km"
	SettingOilInterval         = "oil.interval_km"
	SettingOilAlert            = "oil.alert_km"
	SettingServiceInterval     = "service.interval_km"
	SettingServiceIntervalDays = "service.interval_days"
	SettingServiceAlert        = "service.alert_km"
	SettingTripNotify          = "trip.notify_km"
	SettingOdometerOffset      = "odometer.offset_km"
)

// MaxOdometerOffset bounds the magnitude of the odometer offset.
const MaxOdometerOffset = 100000.0

// Bound is the accepted range and default of one setting.
type Bound struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Default float64 `json:"default"`
}

var bounds = map[string]Bound{
	SettingFuelRange:           {Min: 50, Max: 800, Default: 150},
	SettingFuelAlert:           {Min: 0, Max: 200, Default: 30},
	SettingChainInterval:       {Min: 100, Max: 10000, Default: 500},
	SettingChainAlert:          {Min: 0, Max: 500, Default: 100},
	SettingOilInterval:         {Min: 1000, Max: 50000, Default: 6000},
	SettingOilAlert:            {Min: 0, Max: 2000, Default: 500},
	SettingServiceInterval:     {Min: 1000, Max: 50000, Default: 6000},
	SettingServiceIntervalDays: {Min: 30, Max: 730, Default: 365},
	SettingServiceAlert:        {Min: 0, Max: 2000, Default: 500},
	SettingTripNotify:          {Min: 0, Max: 50, Default: 2},
	SettingOdometerOffset:      {Min: -MaxOdometerOffset, Max: MaxOdometerOffset, Default: 0},
}

// Bounds returns the bound of key.
func Bounds(key string) (Bound, bool) {
	b, ok := bounds[key]
	return b, ok
}

// SettingKeys lists every setting key in sorted order.
func SettingKeys() []string {
	return slices.Sorted(maps.Keys(bounds))
}

// ValidateSetting rejects unknown keys and out-of-range values without clamping.
func ValidateSetting(key string, value float64) error {
	b, ok := bounds[key]
	if !ok {
		return errdefs.ConfigInvalid("unknown setting %q", key)
	}
	if value < b.Min || value > b.Max {
		return errdefs.ConfigInvalid("%s=%g outside [%g, %g]", key, value, b.Min, b.Max)
	}
	return nil
}

// Settings holds the per-tracker thresholds. Missing keys take their default.
type Settings map[string]float64

// DefaultSettings returns every setting at its default.
func DefaultSettings() Settings {
	s := make(Settings, len(bounds))
	for k, b := range bounds {
		s[k] = b.Default
	}
	return s
}

// Get returns the value of key, or its default.
func (s Settings) Get(key string) float64 {
	if v, ok := s[key]; ok {
		return v
	}
	return bounds[key].Default
}

// merge overlays persisted values, skipping unknown or out-of-range entries.
func (s Settings) merge(persisted map[string]float64) {
	for k, v := range persisted {
		if ValidateSetting(k, v) == nil {
			s[k] = v
		}
	}
}
