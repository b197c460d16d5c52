// Package notifier delivers engine notifications outside the process.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/autopeer-io/tripsync/internal/engine"
	"github.com/autopeer-io/tripsync/pkg/log"
	pkgmqtt "github.com/autopeer-io/tripsync/pkg/mqtt"
	"github.com/autopeer-io/tripsync/pkg/mqtt/topic"
	"github.com/autopeer-io/tripsync/pkg/options"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// Publisher is the part of the MQTT client the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error
}

// StateSource provides the tracker view published after each notification.
type StateSource interface {
	Tracker(id string) (engine.TrackerView, bool)
}

// Message is the wire form of a notification.
type Message struct {
	ID        string      `json:"id"`
	TrackerID string      `json:"trackerId"`
	Kind      engine.Kind `json:"kind"`
	At        time.Time   `json:"at"`
	Payload   any         `json:"payload"`
}

// MQTTNotifier publishes each notification to its event topic, then the tracker's retained state.
type MQTTNotifier struct {
	client Publisher
	topics *topic.TopicBuilder
	qos    int
	state  StateSource
}

var _ engine.Observer = (*MQTTNotifier)(nil)

func NewMQTTNotifier(client Publisher, topics *topic.TopicBuilder, qos int, state StateSource) *MQTTNotifier {
	return &MQTTNotifier{client: client, topics: topics, qos: qos, state: state}
}

// Connect starts a dedicated egress client whose will message marks the daemon offline.
func Connect(ctx context.Context, opts *options.MqttOptions) (pkgmqtt.Client, error) {
	topics := topic.NewTopicBuilder(opts.TopicRoot)

	cfg := opts.ToClientConfig()
	if cfg.ClientID == "" {
		cfg.ClientID = "tripsync-" + uuid.NewString()[:8]
	}
	cfg.WillTopic = topics.Status()
	cfg.WillPayload = []byte(statusOffline)
	cfg.WillQoS = byte(opts.QoS)
	cfg.WillRetain = true

	client, err := pkgmqtt.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("start mqtt client: %w", err)
	}
	return client, nil
}

// Online publishes the retained daemon availability.
func (n *MQTTNotifier) Online(ctx context.Context, online bool) error {
	status := statusOffline
	if online {
		status = statusOnline
	}
	return n.client.Publish(ctx, n.topics.Status(), n.qos, true, []byte(status))
}

// Notify publishes n. Failures are logged; delivery is at most once.
func (n *MQTTNotifier) Notify(ctx context.Context, note engine.Notification) {
	msg := Message{
		ID:        uuid.NewString(),
		TrackerID: note.TrackerID,
		Kind:      note.Kind,
		At:        note.At,
		Payload:   note.Payload,
	}
	if err := n.publishJSON(ctx, n.topics.Event(note.TrackerID, string(note.Kind)), false, msg); err != nil {
		log.Error(err, "Failed to publish notification", "trackerID", note.TrackerID, "kind", note.Kind, "id", msg.ID)
		return
	}

	if err := n.PublishState(ctx, note.TrackerID); err != nil {
		log.Error(err, "Failed to publish tracker state", "trackerID", note.TrackerID)
	}
}

// PublishState publishes the retained view of one tracker.
func (n *MQTTNotifier) PublishState(ctx context.Context, trackerID string) error {
	if n.state == nil {
		return nil
	}
	view, ok := n.state.Tracker(trackerID)
	if !ok {
		return nil
	}
	return n.publishJSON(ctx, n.topics.State(trackerID), true, view)
}

func (n *MQTTNotifier) publishJSON(ctx context.Context, name string, retain bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, name, n.qos, retain, payload)
}
