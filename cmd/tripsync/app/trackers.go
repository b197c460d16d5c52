package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/autopeer-io/tripsync/internal/engine"
)

func newTrackersCommand(ctx context.Context) *cobra.Command {
	var (
		server  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:          "trackers",
		Short:        "Print the trackers of a running tripsync daemon",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			views, err := fetchTrackers(ctx, server)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), trackersTable(views))
			return err
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:8080", "Base URL of the tripsync HTTP API.")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout.")
	return cmd
}

func fetchTrackers(ctx context.Context, server string) ([]engine.TrackerView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(server, "/")+"/api/v1/trackers", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("list trackers: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var views []engine.TrackerView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		return nil, err
	}
	return views, nil
}

func trackersTable(views []engine.TrackerView) *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("ID", "NAME", "ODOMETER", "TODAY", "RANGE", "DUE", "CONNECTION", "STALE")
	for _, v := range views {
		table.AddRow(
			v.ID,
			v.Name,
			fmt.Sprintf("%.1f km", v.CorrectedKm),
			fmt.Sprintf("%.1f km", v.Counters.DayKm),
			fmt.Sprintf("%.0f km", v.Fuel.RemainingRangeKm),
			dueList(v.Due),
			v.Connection,
			v.Stale,
		)
	}
	return table
}

func dueList(due map[string]bool) string {
	var out []string
	for k, on := range due {
		if on {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return "-"
	}
	slices.Sort(out)
	return strings.Join(out, ",")
}
