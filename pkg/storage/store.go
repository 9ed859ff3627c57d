// Package storage provides the get/put-by-path object store used for
// checkpoint sources, archive files and analytics exports.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get when no object exists at the path.
var ErrNotFound = errors.New("object not found")

// Store is a minimal remote object store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Close() error
}

// Config selects and configures a Store implementation.
type Config struct {
	Type       string            `mapstructure:"type"` // FS, GCS, S3, MEMORY
	LocalPath  string            `mapstructure:"local_path"`
	Bucket     string            `mapstructure:"bucket"`
	Prefix     string            `mapstructure:"prefix"`
	Region     string            `mapstructure:"region"`
	Options    map[string]string `mapstructure:"options"`
	MaxRetries int               `mapstructure:"max_retries"`
}

// New creates the store described by cfg, wrapped with retries when
// cfg.MaxRetries is non-zero.
func New(ctx context.Context, cfg Config) (Store, error) {
	var (
		store Store
		err   error
	)
	switch strings.ToUpper(cfg.Type) {
	case "FS":
		store, err = NewLocalFSStore(cfg.LocalPath)
	case "GCS":
		store, err = NewGCSStore(ctx, cfg.Bucket, cfg.Prefix, cfg.Options)
	case "S3":
		store, err = NewS3Store(ctx, cfg.Bucket, cfg.Prefix, cfg.Region, cfg.Options)
	case "MEMORY":
		store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if cfg.MaxRetries != 0 {
		store = NewRetryableStore(store, cfg.MaxRetries)
	}
	return store, nil
}

// ParseURL converts a remote store URL into a Config. Supported schemes are
// file://, gs://, s3:// and memory://. Options are copied verbatim; the
// "region" and "max_retries" options are lifted into the config.
func ParseURL(rawURL string, options map[string]string) (Config, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Config{}, errors.Wrapf(err, "invalid remote url %q", rawURL)
	}
	cfg := Config{Options: map[string]string{}}
	for k, v := range options {
		cfg.Options[k] = v
	}
	switch u.Scheme {
	case "file", "":
		cfg.Type = "FS"
		cfg.LocalPath = u.Path
		if u.Host != "" {
			cfg.LocalPath = path.Join(u.Host, u.Path)
		}
	case "gs":
		cfg.Type = "GCS"
		cfg.Bucket = u.Host
		cfg.Prefix = strings.Trim(u.Path, "/")
	case "s3":
		cfg.Type = "S3"
		cfg.Bucket = u.Host
		cfg.Prefix = strings.Trim(u.Path, "/")
		cfg.Region = cfg.Options["region"]
	case "memory":
		cfg.Type = "MEMORY"
	default:
		return Config{}, fmt.Errorf("unsupported remote url scheme: %s", u.Scheme)
	}
	if cfg.Type != "MEMORY" && cfg.Type != "FS" && cfg.Bucket == "" {
		return Config{}, fmt.Errorf("remote url %q has no bucket", rawURL)
	}
	if cfg.Type == "FS" && cfg.LocalPath == "" {
		return Config{}, fmt.Errorf("remote url %q has no path", rawURL)
	}
	if v, ok := cfg.Options["max_retries"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "invalid max_retries option %q", v)
		}
		cfg.MaxRetries = n
	}
	return cfg, nil
}

// NewFromURL creates a store from a remote url.
func NewFromURL(ctx context.Context, rawURL string, options map[string]string) (Store, error) {
	cfg, err := ParseURL(rawURL, options)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

func prefixed(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}
