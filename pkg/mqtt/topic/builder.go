package topic

import (
	"strings"
)

// Topic segments published by tripsync.
// Subscribers (dashboards, home automation) depend on them.
const (
	// SegmentTracker groups everything about one tracker.
	// Structure: {root}/tracker/{trackerID}/...
	SegmentTracker = "tracker"

	// SuffixEvent carries edge-triggered notifications.
	// Structure: {root}/tracker/{trackerID}/event/{kind}
	SuffixEvent = "event"

	// SuffixState carries the retained derived state of a tracker.
	// Structure: {root}/tracker/{trackerID}/state
	SuffixState = "state"

	// SuffixStatus carries the retained availability of the sync daemon itself.
	// Structure: {root}/status
	SuffixStatus = "status"
)

// TopicBuilder builds topic strings below a root namespace.
type TopicBuilder struct {
	// root is the base namespace for all topics (e.g. "tripsync/v1").
	root string
}

// NewTopicBuilder creates a new instance of TopicBuilder with the specified root namespace.
func NewTopicBuilder(root string) *TopicBuilder {
	return &TopicBuilder{root: strings.TrimSuffix(root, "/")}
}

// Event returns the topic of a notification of the given kind.
func (b *TopicBuilder) Event(trackerID, kind string) string {
	return b.build(SegmentTracker, trackerID, SuffixEvent, kind)
}

// EventWildcard matches every notification of every tracker.
// Result: {root}/tracker/+/event/+
func (b *TopicBuilder) EventWildcard() string {
	return b.build(SegmentTracker, Wildcard, SuffixEvent, Wildcard)
}

// State returns the retained state topic of a tracker.
func (b *TopicBuilder) State(trackerID string) string {
	return b.build(SegmentTracker, trackerID, SuffixState)
}

// StateWildcard matches the state topic of every tracker.
// Result: {root}/tracker/+/state
func (b *TopicBuilder) StateWildcard() string {
	return b.build(SegmentTracker, Wildcard, SuffixState)
}

// Status returns the daemon availability topic, used as will message.
func (b *TopicBuilder) Status() string {
	return b.build(SuffixStatus)
}

func (b *TopicBuilder) build(segments ...string) string {
	return b.root + "/" + strings.Join(segments, "/")
}
