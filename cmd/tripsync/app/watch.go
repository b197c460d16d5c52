package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/autopeer-io/tripsync/internal/notifier"
	pkgmqtt "github.com/autopeer-io/tripsync/pkg/mqtt"
	"github.com/autopeer-io/tripsync/pkg/mqtt/topic"
	"github.com/autopeer-io/tripsync/pkg/options"
)

func newWatchCommand(ctx context.Context) *cobra.Command {
	opts := options.NewMqttOptions()
	opts.Enabled = true
	cmd := &cobra.Command{
		Use:          "watch",
		Short:        "Print notifications published by a running tripsync daemon",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := utilerrors.NewAggregate(opts.Validate()); err != nil {
				return err
			}
			cfg := opts.ToClientConfig()
			if cfg.ClientID == "" {
				cfg.ClientID = "tripsync-watch-" + uuid.NewString()[:8]
			}
			client, err := pkgmqtt.NewClient(cfg)
			if err != nil {
				return err
			}
			if err := client.Start(ctx); err != nil {
				return err
			}
			defer client.Disconnect(context.Background())

			topics := topic.NewTopicBuilder(opts.TopicRoot)
			if err := client.Subscribe(ctx, topics.EventWildcard(), opts.QoS, printer(cmd.OutOrStdout())); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// printer writes one line per notification. Malformed payloads are printed raw.
func printer(w io.Writer) pkgmqtt.MessageHandler {
	var mu sync.Mutex
	return func(_ context.Context, name string, payload []byte) {
		mu.Lock()
		defer mu.Unlock()

		var m notifier.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			fmt.Fprintf(w, "%s\t%s\n", name, payload)
			return
		}
		body, _ := json.Marshal(m.Payload)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.At.Format(time.RFC3339), m.TrackerID, m.Kind, body)
	}
}
