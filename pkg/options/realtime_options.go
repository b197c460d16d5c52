package options

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*RealtimeOptions)(nil)

// RealtimeOptions configures the persistent Socket.IO channel.
type RealtimeOptions struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	URL     string `json:"url" mapstructure:"url"`

	InitialBackoff   time.Duration `json:"initial-backoff" mapstructure:"initial-backoff"`
	MaxBackoff       time.Duration `json:"max-backoff" mapstructure:"max-backoff"`
	StabilityWindow  time.Duration `json:"stability-window" mapstructure:"stability-window"`
	HandshakeTimeout time.Duration `json:"handshake-timeout" mapstructure:"handshake-timeout"`

	// QueueSize is the per-subscriber event buffer. Events beyond it are dropped.
	QueueSize int `json:"queue-size" mapstructure:"queue-size"`
}

func NewRealtimeOptions() *RealtimeOptions {
	return &RealtimeOptions{
		Enabled:          true,
		URL:              "wss://socket.georide.com/socket.io/?EIO=4&transport=websocket",
		InitialBackoff:   5 * time.Second,
		MaxBackoff:       5 * time.Minute,
		StabilityWindow:  time.Minute,
		HandshakeTimeout: 15 * time.Second,
		QueueSize:        256,
	}
}

func (o *RealtimeOptions) Validate() []error {
	errs := []error{}

	if _, err := url.ParseRequestURI(o.URL); err != nil {
		errs = append(errs, fmt.Errorf("--realtime.url: %w", err))
	}
	if o.InitialBackoff <= 0 || o.MaxBackoff < o.InitialBackoff {
		errs = append(errs, fmt.Errorf("--realtime.initial-backoff (%s) must be positive and not above --realtime.max-backoff (%s)",
			o.InitialBackoff, o.MaxBackoff))
	}
	if o.StabilityWindow < 0 {
		errs = append(errs, errors.New("--realtime.stability-window must not be negative"))
	}
	if o.QueueSize < 1 {
		errs = append(errs, errors.New("--realtime.queue-size must be at least 1"))
	}

	return errs
}

func (o *RealtimeOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, "realtime.enabled", o.Enabled, "Keep a realtime Socket.IO connection to GeoRide.")
	fs.StringVar(&o.URL, "realtime.url", o.URL, "Websocket URL of the GeoRide Socket.IO endpoint.")
	fs.DurationVar(&o.InitialBackoff, "realtime.initial-backoff", o.InitialBackoff, "First reconnection delay, doubled after each failure.")
	fs.DurationVar(&o.MaxBackoff, "realtime.max-backoff", o.MaxBackoff, "Upper bound of the reconnection delay.")
	fs.DurationVar(&o.StabilityWindow, "realtime.stability-window", o.StabilityWindow, "Uptime after which the reconnection delay resets.")
	fs.DurationVar(&o.HandshakeTimeout, "realtime.handshake-timeout", o.HandshakeTimeout, "Timeout of the websocket and Socket.IO handshake.")
	fs.IntVar(&o.QueueSize, "realtime.queue-size", o.QueueSize, "Per-subscriber event buffer size.")
}
