package realtime

import "time"

// Event is one typed realtime notification for a tracker.
// The concrete types are PositionEvent, MovementEvent, LockEvent, AlarmEvent and OnlineEvent.
type Event interface {
	TrackerID() string
	Time() time.Time
	// Kind is the metric label of the event type.
	Kind() string

	isEvent()
}

// Meta is embedded in every event.
type Meta struct {
	Tracker    string
	ReceivedAt time.Time
}

func (m Meta) TrackerID() string { return m.Tracker }
func (m Meta) Time() time.Time   { return m.ReceivedAt }
func (Meta) isEvent()            {}

// PositionEvent is a GPS fix pushed by the tracker.
type PositionEvent struct {
	Meta
	Latitude  float64
	Longitude float64
	// Radius is the fix accuracy in metres.
	Radius   float64
	SpeedKmh float64
	Heading  float64
}

func (PositionEvent) Kind() string { return "position" }

// MovementEvent carries device flags. A nil field was absent from the frame.
type MovementEvent struct {
	Meta
	Moving  *bool
	Stolen  *bool
	Crashed *bool
}

func (MovementEvent) Kind() string { return "movement" }

// LockEvent reports a lock state change.
type LockEvent struct {
	Meta
	Locked bool
}

func (LockEvent) Kind() string { return "lock" }

// AlarmEvent reports a tracker alarm such as alarm_vibration or alarm_powerCut.
type AlarmEvent struct {
	Meta
	Type string
}

func (AlarmEvent) Kind() string { return "alarm" }

// OnlineEvent is derived from the alarm_deviceOnline and alarm_deviceOffline alarms.
type OnlineEvent struct {
	Meta
	Online bool
}

func (OnlineEvent) Kind() string { return "online" }

// Alarm types with a meaning beyond the alarm itself.
const (
	AlarmDeviceOnline  = "alarm_deviceOnline"
	AlarmDeviceOffline = "alarm_deviceOffline"
)
