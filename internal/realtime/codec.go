package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autopeer-io/tripsync/internal/georide"
)

// Engine.IO packet types.
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
)

// Socket.IO packet types, carried inside an Engine.IO message.
const (
	socketConnect      = '0'
	socketDisconnect   = '1'
	socketEvent        = '2'
	socketConnectError = '4'
)

type frameKind int

const (
	frameUnknown frameKind = iota
	frameOpen
	frameClose
	framePing
	framePong
	frameConnected
	frameDisconnected
	frameConnectError
	frameEvent
)

// frame is one decoded websocket text message.
type frame struct {
	kind frameKind
	// data is the JSON body: the open handshake, the connect error or the event array.
	data []byte
}

// openHandshake is the body of the Engine.IO open packet.
type openHandshake struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

// liveness is how long the server may stay silent before the connection is considered dead.
func (h openHandshake) liveness() time.Duration {
	return time.Duration(h.PingInterval+h.PingTimeout) * time.Millisecond
}

func parseFrame(msg []byte) frame {
	if len(msg) == 0 {
		return frame{kind: frameUnknown}
	}

	switch msg[0] {
	case engineOpen:
		return frame{kind: frameOpen, data: msg[1:]}
	case engineClose:
		return frame{kind: frameClose}
	case enginePing:
		return frame{kind: framePing}
	case enginePong:
		return frame{kind: framePong}
	case engineMessage:
	default:
		return frame{kind: frameUnknown}
	}

	if len(msg) < 2 {
		return frame{kind: frameUnknown}
	}
	body := skipNamespaceAndAck(msg[2:])

	switch msg[1] {
	case socketConnect:
		return frame{kind: frameConnected, data: body}
	case socketDisconnect:
		return frame{kind: frameDisconnected}
	case socketConnectError:
		return frame{kind: frameConnectError, data: body}
	case socketEvent:
		return frame{kind: frameEvent, data: body}
	}
	return frame{kind: frameUnknown}
}

// skipNamespaceAndAck drops an optional "/nsp," prefix and an optional numeric ack id.
func skipNamespaceAndAck(b []byte) []byte {
	if len(b) > 0 && b[0] == '/' {
		if i := bytes.IndexByte(b, ','); i >= 0 {
			b = b[i+1:]
		} else {
			return nil
		}
	}
	for len(b) > 0 && b[0] >= '0' && b[0] <= '9' {
		b = b[1:]
	}
	return b
}

func encodePong() []byte {
	return []byte{enginePong}
}

func encodeConnect(token string) ([]byte, error) {
	auth, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, err
	}
	return append([]byte{engineMessage, socketConnect}, auth...), nil
}

func encodeEmit(name string, args ...any) ([]byte, error) {
	payload, err := json.Marshal(append([]any{name}, args...))
	if err != nil {
		return nil, err
	}
	return append([]byte{engineMessage, socketEvent}, payload...), nil
}

// eventPayload is the union of the fields carried by GeoRide socket events.
type eventPayload struct {
	TrackerID georide.ID `json:"trackerId"`

	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Radius    float64  `json:"radius"`
	Speed     float64  `json:"speed"`
	Heading   float64  `json:"heading"`

	Moving  *bool `json:"moving"`
	Stolen  *bool `json:"stolen"`
	Crashed *bool `json:"crashed"`
	Locked  *bool `json:"locked"`

	Name string `json:"name"`
	Type string `json:"type"`

	FixTime georide.Timestamp `json:"fixtime"`
}

// decodeEvents turns the array of a Socket.IO event packet into typed events.
// Unknown names and frames without a tracker id yield nothing.
func decodeEvents(data []byte, now time.Time) ([]Event, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("decode event frame: %w", err)
	}
	if len(parts) < 2 {
		return nil, nil
	}

	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return nil, fmt.Errorf("decode event name: %w", err)
	}

	var p eventPayload
	if err := json.Unmarshal(parts[1], &p); err != nil {
		return nil, fmt.Errorf("decode %q payload: %w", name, err)
	}
	if p.TrackerID == "" {
		return nil, nil
	}

	meta := Meta{Tracker: p.TrackerID.String(), ReceivedAt: now}

	switch name {
	case "position":
		if p.Latitude == nil || p.Longitude == nil {
			return nil, nil
		}
		pos := meta
		if !p.FixTime.IsZero() {
			pos.ReceivedAt = p.FixTime.Time
		}
		events := []Event{PositionEvent{
			Meta:      pos,
			Latitude:  *p.Latitude,
			Longitude: *p.Longitude,
			Radius:    p.Radius,
			SpeedKmh:  p.Speed * georide.KnotsToKmh,
			Heading:   p.Heading,
		}}
		if p.Moving != nil {
			events = append(events, MovementEvent{Meta: meta, Moving: p.Moving})
		}
		return events, nil

	case "device":
		if p.Moving == nil && p.Stolen == nil && p.Crashed == nil {
			return nil, nil
		}
		return []Event{MovementEvent{Meta: meta, Moving: p.Moving, Stolen: p.Stolen, Crashed: p.Crashed}}, nil

	case "lock":
		if p.Locked == nil {
			return nil, nil
		}
		return []Event{LockEvent{Meta: meta, Locked: *p.Locked}}, nil

	case "alarm":
		alarm := p.Name
		if alarm == "" {
			alarm = p.Type
		}
		events := []Event{AlarmEvent{Meta: meta, Type: alarm}}
		switch alarm {
		case AlarmDeviceOnline:
			events = append(events, OnlineEvent{Meta: meta, Online: true})
		case AlarmDeviceOffline:
			events = append(events, OnlineEvent{Meta: meta, Online: false})
		}
		return events, nil
	}

	return nil, nil
}
