package app

import (
	"context"
	"flag"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/component-base/cli/globalflag"

	"github.com/autopeer-io/tripsync/cmd/tripsync/app/options"
	"github.com/autopeer-io/tripsync/internal/tripsync"
	"github.com/autopeer-io/tripsync/pkg/log"
)

const (
	commandName = "tripsync"
	commandDesc = `tripsync keeps a derived model of GeoRide-tracked vehicles: corrected odometer,
maintenance due status, fuel range and periodic distance counters. It polls the GeoRide API,
listens to its realtime channel and publishes notifications to MQTT.`
)

// NewTripsyncCommand returns the root command. Without a subcommand it runs the daemon.
func NewTripsyncCommand(ctx context.Context) *cobra.Command {
	opts := options.NewSyncOptions()
	cmd := &cobra.Command{
		Use:          commandName,
		Short:        "Synchronise GeoRide trackers and derive their maintenance state",
		Long:         commandDesc,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(ctx, cmd.Flags(), opts)
		},
	}

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	fs := cmd.Flags()
	namedfs := opts.Flags()
	globalflag.AddGlobalFlags(namedfs.FlagSet("global"), cmd.Name())
	for _, f := range namedfs.FlagSets {
		fs.AddFlagSet(f)
	}

	cmd.AddCommand(newRunCommand(ctx, opts, namedfs.FlagSets), newTrackersCommand(ctx), newWatchCommand(ctx))
	return cmd
}

func newRunCommand(ctx context.Context, opts *options.SyncOptions, sets map[string]*pflag.FlagSet) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Run the synchronisation daemon (default)",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(ctx, cmd.Flags(), opts)
		},
	}
	for _, f := range sets {
		cmd.Flags().AddFlagSet(f)
	}
	return cmd
}

func run(ctx context.Context, fs *pflag.FlagSet, opts *options.SyncOptions) error {
	if err := opts.Load(fs); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := opts.Complete(); err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	log.Init(opts.Log)
	defer log.Sync()

	cfg, err := opts.Config(fs)
	if err != nil {
		return err
	}

	syncer, err := tripsync.New(ctx, cfg)
	if err != nil {
		log.Error(err, "Failed to create tripsync")
		return err
	}
	return syncer.Run(ctx)
}
