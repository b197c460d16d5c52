package options

import (
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*RedisOptions)(nil)

// RedisOptions configures the redis store backend.
type RedisOptions struct {
	Addr        string        `json:"addr" mapstructure:"addr"`
	Password    string        `json:"password" mapstructure:"password"`
	DB          int           `json:"db" mapstructure:"db"`
	PoolSize    int           `json:"pool-size" mapstructure:"pool-size"`
	DialTimeout time.Duration `json:"dial-timeout" mapstructure:"dial-timeout"`
}

func NewRedisOptions() *RedisOptions {
	return &RedisOptions{
		Addr:        "localhost:6379",
		PoolSize:    10,
		DialTimeout: 5 * time.Second,
	}
}

func (o *RedisOptions) Validate() []error {
	var errs []error

	if err := ValidateAddress(o.Addr); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func (o *RedisOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Addr, "redis.addr", o.Addr, "Redis server address.")
	fs.StringVar(&o.Password, "redis.password", o.Password, "Redis password.")
	fs.IntVar(&o.DB, "redis.db", o.DB, "Redis database number.")
	fs.IntVar(&o.PoolSize, "redis.pool-size", o.PoolSize, "Redis connection pool size.")
	fs.DurationVar(&o.DialTimeout, "redis.dial-timeout", o.DialTimeout, "Redis dial timeout.")
}
