package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicsMatch(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"tripsync/v1/tracker/1/state", "tripsync/v1/tracker/1/state", true},
		{"tripsync/v1/tracker/+/state", "tripsync/v1/tracker/42/state", true},
		{"tripsync/v1/tracker/+/state", "tripsync/v1/tracker/42/event/fuel_low", false},
		{"tripsync/v1/tracker/#", "tripsync/v1/tracker/42/event/fuel_low", true},
		{"tripsync/v1/tracker/+/event/+", "tripsync/v1/tracker/42/event/trip_ended", true},
		{"tripsync/v1/tracker/+", "tripsync/v1/tracker", false},
		{"a/b", "a/c", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"~"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, topicsMatch(tt.filter, tt.topic))
		})
	}
}

func TestTopicFilterStripsSharedGroup(t *testing.T) {
	assert.Equal(t, "tripsync/v1/tracker/+/state", topicFilter("$share/ui/tripsync/v1/tracker/+/state"))
	assert.Equal(t, "plain/topic", topicFilter("plain/topic"))
}

func TestClientConfigValidate(t *testing.T) {
	assert.Error(t, (&ClientConfig{}).Validate())
	assert.Error(t, (&ClientConfig{BrokerURL: "localhost"}).Validate())
	assert.NoError(t, (&ClientConfig{BrokerURL: "tcp://localhost:1883"}).Validate())

	cfg := &ClientConfig{BrokerURL: "tcp://localhost:1883"}
	setDefaultConfig(cfg)
	assert.EqualValues(t, 60, cfg.KeepAlive)
	assert.NotZero(t, cfg.ReconnectDelay)
}

func TestNewClientRejectsNil(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)
}
