package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name string
		in   string
		kind frameKind
		data string
	}{
		{"open", `0{"sid":"x","pingInterval":25000,"pingTimeout":20000}`, frameOpen, `{"sid":"x","pingInterval":25000,"pingTimeout":20000}`},
		{"close", `1`, frameClose, ``},
		{"ping", `2`, framePing, ``},
		{"connected", `40{"sid":"y"}`, frameConnected, `{"sid":"y"}`},
		{"connect error", `44{"message":"unauthorized"}`, frameConnectError, `{"message":"unauthorized"}`},
		{"disconnect", `41`, frameDisconnected, ``},
		{"event", `42["lock",{"trackerId":1}]`, frameEvent, `["lock",{"trackerId":1}]`},
		{"event with namespace and ack", `42/georide,17["lock",{}]`, frameEvent, `["lock",{}]`},
		{"empty", ``, frameUnknown, ``},
		{"garbage", `x`, frameUnknown, ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := parseFrame([]byte(tt.in))
			assert.Equal(t, tt.kind, f.kind)
			assert.Equal(t, tt.data, string(f.data))
		})
	}
}

func TestEncode(t *testing.T) {
	msg, err := encodeConnect("abc")
	require.NoError(t, err)
	assert.Equal(t, `40{"token":"abc"}`, string(msg))

	msg, err = encodeEmit("subscribe", "42")
	require.NoError(t, err)
	assert.Equal(t, `42["subscribe","42"]`, string(msg))

	assert.Equal(t, "3", string(encodePong()))
}

func TestDecodeEvents(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	yes, no := true, false

	tests := []struct {
		name string
		in   string
		want []Event
	}{
		{
			name: "position with moving",
			in:   `["position",{"trackerId":42,"latitude":45.1,"longitude":5.7,"radius":6,"speed":10,"heading":90,"moving":true}]`,
			want: []Event{
				PositionEvent{Meta: Meta{"42", now}, Latitude: 45.1, Longitude: 5.7, Radius: 6, SpeedKmh: 18.52, Heading: 90},
				MovementEvent{Meta: Meta{"42", now}, Moving: &yes},
			},
		},
		{
			name: "position without moving",
			in:   `["position",{"trackerId":"42","latitude":45.1,"longitude":5.7}]`,
			want: []Event{PositionEvent{Meta: Meta{"42", now}, Latitude: 45.1, Longitude: 5.7}},
		},
		{
			name: "device",
			in:   `["device",{"trackerId":42,"moving":false,"stolen":true}]`,
			want: []Event{MovementEvent{Meta: Meta{"42", now}, Moving: &no, Stolen: &yes}},
		},
		{
			name: "lock",
			in:   `["lock",{"trackerId":42,"locked":true}]`,
			want: []Event{LockEvent{Meta: Meta{"42", now}, Locked: true}},
		},
		{
			name: "lock without state",
			in:   `["lock",{"trackerId":42}]`,
		},
		{
			name: "alarm type from name",
			in:   `["alarm",{"trackerId":42,"name":"alarm_vibration","type":"other"}]`,
			want: []Event{AlarmEvent{Meta: Meta{"42", now}, Type: "alarm_vibration"}},
		},
		{
			name: "alarm device online",
			in:   `["alarm",{"trackerId":42,"type":"alarm_deviceOnline"}]`,
			want: []Event{
				AlarmEvent{Meta: Meta{"42", now}, Type: AlarmDeviceOnline},
				OnlineEvent{Meta: Meta{"42", now}, Online: true},
			},
		},
		{
			name: "alarm device offline",
			in:   `["alarm",{"trackerId":42,"name":"alarm_deviceOffline"}]`,
			want: []Event{
				AlarmEvent{Meta: Meta{"42", now}, Type: AlarmDeviceOffline},
				OnlineEvent{Meta: Meta{"42", now}, Online: false},
			},
		},
		{
			name: "missing tracker id",
			in:   `["lock",{"locked":true}]`,
		},
		{
			name: "unknown event",
			in:   `["refreshTrackersInstruction",{"trackerId":42}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeEvents([]byte(tt.in), now)
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				if p, ok := tt.want[i].(PositionEvent); ok {
					gp := got[i].(PositionEvent)
					assert.InDelta(t, p.SpeedKmh, gp.SpeedKmh, 1e-9)
					gp.SpeedKmh = p.SpeedKmh
					assert.Equal(t, p, gp)
					continue
				}
				assert.Equal(t, tt.want[i], got[i])
			}
		})
	}
}

func TestDecodeEventsUsesFixTime(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := decodeEvents([]byte(`["position",{"trackerId":1,"latitude":1,"longitude":2,"fixtime":"2025-03-01T11:59:30Z"}]`), now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, now.Add(-30*time.Second), got[0].Time().UTC())
}

func TestDecodeEventsMalformed(t *testing.T) {
	_, err := decodeEvents([]byte(`{"not":"an array"}`), time.Now())
	assert.Error(t, err)
}
