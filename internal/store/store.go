// Package store persists tracker settings and accumulated history as string key/values.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/autopeer-io/tripsync/pkg/options"
)

// Store is a flat key/value store. Implementations are safe for concurrent use.
type Store interface {
	// Get returns the value of key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Restore returns every persisted key/value, used once at startup.
	Restore(ctx context.Context) (map[string]string, error)
	Close() error
}

// New opens the backend selected by opts.
func New(ctx context.Context, opts *options.StoreOptions, redisOpts *options.RedisOptions, s3Opts *options.S3Options) (Store, error) {
	switch opts.Backend {
	case options.StoreMemory:
		return NewMemoryStore(), nil
	case options.StoreRedis:
		return NewRedisStore(ctx, redisOpts, opts.Namespace)
	case options.StoreS3:
		return NewS3Store(ctx, s3Opts, opts.Namespace)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

// TrackerKey builds the key of a tracker scoped value, e.g. "tracker/42/fuel".
func TrackerKey(trackerID string, parts ...string) string {
	return "tracker/" + trackerID + "/" + strings.Join(parts, "/")
}

// TrackerOf returns the tracker id of a key built by TrackerKey.
func TrackerOf(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, "tracker/")
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, "/")
	return id, ok && id != ""
}

// GetFloat reads a float value. A missing key yields def.
func GetFloat(ctx context.Context, s Store, key string, def float64) (float64, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("key %s: %w", key, err)
	}
	return f, nil
}

func SetFloat(ctx context.Context, s Store, key string, v float64) error {
	return s.Set(ctx, key, strconv.FormatFloat(v, 'f', -1, 64))
}

// GetJSON decodes the value of key into out and reports whether the key exists.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(v), out); err != nil {
		return false, fmt.Errorf("key %s: %w", key, err)
	}
	return true, nil
}

func SetJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("key %s: %w", key, err)
	}
	return s.Set(ctx, key, string(b))
}
