package options

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/tripsync/internal/tripsync"
	"github.com/autopeer-io/tripsync/pkg/log"
	"github.com/autopeer-io/tripsync/pkg/options"
)

// EnvPrefix prefixes every environment variable, e.g. TRIPSYNC_GEORIDE_PASSWORD.
const EnvPrefix = "TRIPSYNC"

// SyncOptions aggregates every option group of the daemon.
type SyncOptions struct {
	GeoRide  *options.GeoRideOptions  `json:"georide" mapstructure:"georide"`
	Realtime *options.RealtimeOptions `json:"realtime" mapstructure:"realtime"`
	Refresh  *options.RefreshOptions  `json:"refresh" mapstructure:"refresh"`
	Store    *options.StoreOptions    `json:"store" mapstructure:"store"`
	Redis    *options.RedisOptions    `json:"redis" mapstructure:"redis"`
	S3       *options.S3Options       `json:"s3" mapstructure:"s3"`
	Mqtt     *options.MqttOptions     `json:"mqtt" mapstructure:"mqtt"`
	Http     *options.HttpOptions     `json:"http" mapstructure:"http"`
	Log      *log.Options             `json:"log" mapstructure:"log"`

	// ConfigFile is a YAML file read before the environment and flags are applied.
	ConfigFile string `json:"-" mapstructure:"-"`
	// EnvFiles are loaded into the environment first. Missing files are ignored.
	EnvFiles []string `json:"-" mapstructure:"-"`
}

func NewSyncOptions() *SyncOptions {
	return &SyncOptions{
		GeoRide:  options.NewGeoRideOptions(),
		Realtime: options.NewRealtimeOptions(),
		Refresh:  options.NewRefreshOptions(),
		Store:    options.NewStoreOptions(),
		Redis:    options.NewRedisOptions(),
		S3:       options.NewS3Options(),
		Mqtt:     options.NewMqttOptions(),
		Http:     options.NewHttpOptions(),
		Log:      log.NewOptions(),
		EnvFiles: []string{".env"},
	}
}

func (o *SyncOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.GeoRide.AddFlags(fss.FlagSet("georide"))
	o.Realtime.AddFlags(fss.FlagSet("realtime"))
	o.Refresh.AddFlags(fss.FlagSet("refresh"))
	o.Store.AddFlags(fss.FlagSet("store"))
	o.Redis.AddFlags(fss.FlagSet("redis"))
	o.S3.AddFlags(fss.FlagSet("s3"))
	o.Mqtt.AddFlags(fss.FlagSet("mqtt"))
	o.Http.AddFlags(fss.FlagSet("http"))
	o.Log.AddFlags(fss.FlagSet("log"))

	fs := fss.FlagSet("global")
	fs.StringVarP(&o.ConfigFile, "config", "c", o.ConfigFile, "Path to a YAML configuration file. Changes to it are applied while running where possible.")
	fs.StringSliceVar(&o.EnvFiles, "env-file", o.EnvFiles, "dotenv files loaded into the environment before reading TRIPSYNC_* variables.")
	return fss
}

// Load merges, in increasing precedence, the config file, the environment and explicitly set flags into o.
func (o *SyncOptions) Load(flags *pflag.FlagSet) error {
	for _, f := range o.EnvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}

	v, err := o.newViper(flags)
	if err != nil {
		return err
	}
	return v.Unmarshal(o)
}

func (o *SyncOptions) newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}
	if o.ConfigFile != "" {
		v.SetConfigFile(o.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", o.ConfigFile, err)
		}
	}
	return v, nil
}

// Reloader returns a function re-reading the hot-reloadable groups from the same sources.
func (o *SyncOptions) Reloader(flags *pflag.FlagSet) func() (*tripsync.Reloadable, error) {
	return func() (*tripsync.Reloadable, error) {
		next := &SyncOptions{
			Refresh:    options.NewRefreshOptions(),
			Realtime:   options.NewRealtimeOptions(),
			ConfigFile: o.ConfigFile,
		}
		v, err := next.newViper(flags)
		if err != nil {
			return nil, err
		}
		var groups struct {
			Refresh  *options.RefreshOptions  `mapstructure:"refresh"`
			Realtime *options.RealtimeOptions `mapstructure:"realtime"`
		}
		groups.Refresh, groups.Realtime = next.Refresh, next.Realtime
		if err := v.Unmarshal(&groups); err != nil {
			return nil, err
		}
		return &tripsync.Reloadable{Refresh: groups.Refresh, Realtime: groups.Realtime}, nil
	}
}

func (o *SyncOptions) Complete() error {
	o.GeoRide.BaseURL = strings.TrimSuffix(o.GeoRide.BaseURL, "/")
	return nil
}

func (o *SyncOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.GeoRide.Validate()...)
	errs = append(errs, o.Realtime.Validate()...)
	errs = append(errs, o.Refresh.Validate()...)
	errs = append(errs, o.Store.Validate()...)
	switch o.Store.Backend {
	case options.StoreRedis:
		errs = append(errs, o.Redis.Validate()...)
	case options.StoreS3:
		errs = append(errs, o.S3.Validate()...)
	}
	errs = append(errs, o.Mqtt.Validate()...)
	errs = append(errs, o.Http.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *SyncOptions) Config(flags *pflag.FlagSet) (*tripsync.Config, error) {
	cfg := &tripsync.Config{
		GeoRideOptions:  o.GeoRide,
		RealtimeOptions: o.Realtime,
		RefreshOptions:  o.Refresh,
		StoreOptions:    o.Store,
		RedisOptions:    o.Redis,
		S3Options:       o.S3,
		MqttOptions:     o.Mqtt,
		HttpOptions:     o.Http,
		ConfigFile:      o.ConfigFile,
	}
	if o.ConfigFile != "" {
		cfg.Reload = o.Reloader(flags)
	}
	return cfg, nil
}
