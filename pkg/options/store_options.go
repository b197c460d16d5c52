package options

import (
	"fmt"

	"github.com/spf13/pflag"
)

var _ IOptions = (*StoreOptions)(nil)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreS3     = "s3"
)

// StoreOptions selects where settings and accumulated history are persisted.
type StoreOptions struct {
	Backend string `json:"backend" mapstructure:"backend"`

	// Namespace isolates keys of several accounts sharing one backend.
	Namespace string `json:"namespace" mapstructure:"namespace"`
}

func NewStoreOptions() *StoreOptions {
	return &StoreOptions{
		Backend:   StoreMemory,
		Namespace: "tripsync",
	}
}

func (o *StoreOptions) Validate() []error {
	errs := []error{}

	switch o.Backend {
	case StoreMemory, StoreRedis, StoreS3:
	default:
		errs = append(errs, fmt.Errorf("--store.backend must be one of %q, %q, %q, got %q",
			StoreMemory, StoreRedis, StoreS3, o.Backend))
	}
	if o.Namespace == "" {
		errs = append(errs, fmt.Errorf("--store.namespace must not be empty"))
	}

	return errs
}

func (o *StoreOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Backend, "store.backend", o.Backend, "Persistence backend: memory, redis or s3.")
	fs.StringVar(&o.Namespace, "store.namespace", o.Namespace, "Key namespace inside the backend.")
}
