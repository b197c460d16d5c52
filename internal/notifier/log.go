package notifier

import (
	"context"

	"github.com/autopeer-io/tripsync/internal/engine"
	"github.com/autopeer-io/tripsync/pkg/log"
)

// LogNotifier writes every notification to the log.
type LogNotifier struct {
	log log.Logger
}

var _ engine.Observer = (*LogNotifier)(nil)

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: log.WithName("notifier")}
}

func (n *LogNotifier) Notify(_ context.Context, note engine.Notification) {
	n.log.Info("Notification", "trackerID", note.TrackerID, "kind", note.Kind, "at", note.At, "payload", note.Payload)
}
