package options

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*GeoRideOptions)(nil)

// GeoRideOptions configures access to the GeoRide account.
type GeoRideOptions struct {
	BaseURL  string `json:"base-url" mapstructure:"base-url"`
	Email    string `json:"email" mapstructure:"email"`
	Password string `json:"password" mapstructure:"password"`

	// Timeout bounds a single HTTP request.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// RequestsPerSecond and Burst throttle outgoing API calls.
	RequestsPerSecond float64 `json:"requests-per-second" mapstructure:"requests-per-second"`
	Burst             int     `json:"burst" mapstructure:"burst"`
}

func NewGeoRideOptions() *GeoRideOptions {
	return &GeoRideOptions{
		BaseURL:           "https://api.georide.fr",
		Timeout:           30 * time.Second,
		RequestsPerSecond: 2,
		Burst:             5,
	}
}

func (o *GeoRideOptions) Validate() []error {
	errs := []error{}

	if _, err := url.ParseRequestURI(o.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("--georide.base-url: %w", err))
	}
	if o.Email == "" || o.Password == "" {
		errs = append(errs, errors.New("--georide.email and --georide.password are required"))
	}
	if o.Timeout <= 0 {
		errs = append(errs, errors.New("--georide.timeout must be positive"))
	}
	if o.RequestsPerSecond <= 0 || o.Burst < 1 {
		errs = append(errs, errors.New("--georide.requests-per-second must be positive and --georide.burst at least 1"))
	}

	return errs
}

func (o *GeoRideOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.BaseURL, "georide.base-url", o.BaseURL, "Base URL of the GeoRide REST API.")
	fs.StringVar(&o.Email, "georide.email", o.Email, "GeoRide account email.")
	fs.StringVar(&o.Password, "georide.password", o.Password, "GeoRide account password.")
	fs.DurationVar(&o.Timeout, "georide.timeout", o.Timeout, "Timeout of a single API request.")
	fs.Float64Var(&o.RequestsPerSecond, "georide.requests-per-second", o.RequestsPerSecond, "Sustained API request rate.")
	fs.IntVar(&o.Burst, "georide.burst", o.Burst, "Maximum API request burst.")
}
