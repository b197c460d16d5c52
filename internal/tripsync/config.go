// Package tripsync wires the API client, coordinators, realtime channel, engine and scheduler into one daemon.
package tripsync

import (
	"github.com/autopeer-io/tripsync/pkg/options"
)

// Reloadable is the part of the configuration that can change while running.
type Reloadable struct {
	Refresh  *options.RefreshOptions
	Realtime *options.RealtimeOptions
}

// Config is the completed configuration of a Syncer.
type Config struct {
	GeoRideOptions  *options.GeoRideOptions
	RealtimeOptions *options.RealtimeOptions
	RefreshOptions  *options.RefreshOptions
	StoreOptions    *options.StoreOptions
	RedisOptions    *options.RedisOptions
	S3Options       *options.S3Options
	MqttOptions     *options.MqttOptions
	HttpOptions     *options.HttpOptions

	// ConfigFile is watched for changes when set.
	ConfigFile string
	// Reload re-reads the configuration sources. It is called on every config file change.
	Reload func() (*Reloadable, error)
}
