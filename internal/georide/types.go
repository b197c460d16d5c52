package georide

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Unit conversions used by the GeoRide payloads.
const (
	KnotsToKmh   = 1.852
	MetersPerKm  = 1000.0
	tripsTimeFmt = "20060102T150405"
)

// ID is a tracker or trip identifier. GeoRide sends them as JSON numbers, the socket sometimes as strings.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Timestamp accepts RFC 3339 strings, empty strings and null.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`""`)) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

// TrackerStatus is one entry of GET /user/trackers.
type TrackerStatus struct {
	TrackerID   ID     `json:"trackerId"`
	TrackerName string `json:"trackerName"`
	Model       string `json:"model"`

	// Status is "online" or "offline".
	Status   string `json:"status"`
	IsLocked bool   `json:"isLocked"`
	IsInEco  bool   `json:"isInEco"`
	Moving   bool   `json:"moving"`
	IsStolen bool   `json:"isStolen"`
	Crashed  bool   `json:"isCrashed"`

	ExternalBatteryVoltage float64 `json:"externalBatteryVoltage"`
	InternalBatteryVoltage float64 `json:"internalBatteryVoltage"`

	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	FixTime   Timestamp `json:"fixtime"`

	ActivationDate  Timestamp   `json:"activationDate"`
	SoftwareVersion json.Number `json:"softwareVersion,omitempty"`
}

// Online reports whether the tracker is reachable.
func (s TrackerStatus) Online() bool {
	return s.Status == "online"
}

// DisplayName falls back to the id when the tracker has no name.
func (s TrackerStatus) DisplayName() string {
	if s.TrackerName != "" {
		return s.TrackerName
	}
	return "Tracker " + s.TrackerID.String()
}

// TripSummary is one completed trip.
type TripSummary struct {
	ID        ID        `json:"id"`
	TrackerID ID        `json:"trackerId"`
	NiceName  string    `json:"niceName"`
	StartTime Timestamp `json:"startTime"`
	EndTime   Timestamp `json:"endTime"`

	// Distance in metres.
	Distance float64 `json:"distance"`
	// Duration in milliseconds.
	Duration int64 `json:"duration"`
	// AverageSpeed and MaxSpeed in knots.
	AverageSpeed float64 `json:"averageSpeed"`
	MaxSpeed     float64 `json:"maxSpeed"`

	StartAddress string  `json:"startAddress"`
	EndAddress   string  `json:"endAddress"`
	StartLat     float64 `json:"startLat"`
	StartLon     float64 `json:"startLon"`
	EndLat       float64 `json:"endLat"`
	EndLon       float64 `json:"endLon"`
}

func (t TripSummary) DistanceKm() float64 { return t.Distance / MetersPerKm }
func (t TripSummary) DurationTime() time.Duration {
	return time.Duration(t.Duration) * time.Millisecond
}
func (t TripSummary) AverageSpeedKmh() float64 { return t.AverageSpeed * KnotsToKmh }
func (t TripSummary) MaxSpeedKmh() float64     { return t.MaxSpeed * KnotsToKmh }

// Position is one GPS fix.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	// Radius is the reported accuracy in metres.
	Radius float64 `json:"radius"`
	// Speed in knots.
	Speed   float64   `json:"speed"`
	Heading float64   `json:"heading"`
	Address string    `json:"address,omitempty"`
	FixTime Timestamp `json:"fixtime"`
}

// SpeedKmh converts the reported speed.
func (p Position) SpeedKmh() float64 { return p.Speed * KnotsToKmh }

// LifetimeKm sums trip distances.
func LifetimeKm(trips []TripSummary) float64 {
	var meters float64
	for _, t := range trips {
		meters += t.Distance
	}
	return meters / MetersPerKm
}

// Newest returns the trip with the latest end time.
func Newest(trips []TripSummary) (TripSummary, bool) {
	var (
		best  TripSummary
		found bool
	)
	for _, t := range trips {
		if !found || t.EndTime.After(best.EndTime.Time) {
			best, found = t, true
		}
	}
	return best, found
}

func formatTripsTime(t time.Time) string {
	return t.UTC().Format(tripsTimeFmt)
}
