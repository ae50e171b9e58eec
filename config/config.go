// Package config loads the YAML configuration and builds the cache instances
// an application shares.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/agentuity/go-querycache/cache"
	"github.com/agentuity/go-querycache/logger"
	"github.com/agentuity/go-querycache/persist"
	"github.com/agentuity/go-querycache/resource"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration errors.
var ErrInvalid = errors.New("invalid configuration")

// Storage backends for the persisted cache.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Duration is a time.Duration read from strings such as "90m" or "1d".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		*d = 0
		return nil
	}
	dur, err := str2duration.ParseDuration(s)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "line %d: bad duration %q", value.Line, s), ErrInvalid)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return str2duration.String(time.Duration(d)), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Cache configures an in-memory bounded cache.
type Cache struct {
	TTL      Duration `yaml:"ttl"`
	MaxSize  int      `yaml:"max_size"`
	Strategy string   `yaml:"strategy"`
}

// CacheConfig converts c into a cache.Config.
func (c Cache) CacheConfig() (cache.Config, error) {
	strategy, err := cache.ParseStrategy(c.Strategy)
	if err != nil {
		return cache.Config{}, errors.Mark(err, ErrInvalid)
	}
	return cache.Config{TTL: c.TTL.Std(), MaxSize: c.MaxSize, Strategy: strategy}, nil
}

// Resources configures the resource deduplicator.
type Resources struct {
	Cache       `yaml:",inline"`
	Concurrency int `yaml:"concurrency"`
}

// Persisted configures the persisted cache and its storage.
type Persisted struct {
	Prefix          string   `yaml:"prefix"`
	TTL             Duration `yaml:"ttl"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	Backend         string   `yaml:"backend"`
	Path            string   `yaml:"path"`
	RedisURL        string   `yaml:"redis_url"`
}

// Config is the root of the configuration file.
type Config struct {
	LogLevel  string    `yaml:"log_level"`
	Query     Cache     `yaml:"query"`
	Resources Resources `yaml:"resources"`
	Persisted Persisted `yaml:"persisted"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() Config {
	return Config{
		LogLevel: "info",
		Query: Cache{
			TTL:      Duration(cache.DefaultTTL),
			MaxSize:  cache.DefaultMaxSize,
			Strategy: cache.LRU.String(),
		},
		Resources: Resources{
			Cache: Cache{
				TTL:      Duration(time.Hour),
				MaxSize:  200,
				Strategy: cache.LFU.String(),
			},
			Concurrency: resource.DefaultConcurrency,
		},
		Persisted: Persisted{
			Prefix:          persist.DefaultPrefix,
			TTL:             Duration(persist.DefaultTTL),
			CleanupInterval: Duration(persist.DefaultCleanupInterval),
			Backend:         BackendMemory,
		},
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading config %s", path)
	}
	cfg, err := Parse(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "error loading config %s", path)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML document.
func Parse(buf []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, errors.Mark(err, ErrInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields Build depends on.
func (c *Config) Validate() error {
	if c.LogLevel != "" && logger.ParseLevel(c.LogLevel, -1) == -1 {
		return errors.Mark(errors.Newf("unknown log_level %q", c.LogLevel), ErrInvalid)
	}
	if _, err := c.Query.CacheConfig(); err != nil {
		return errors.Wrap(err, "query")
	}
	if _, err := c.Resources.CacheConfig(); err != nil {
		return errors.Wrap(err, "resources")
	}
	if c.Resources.Concurrency < 0 {
		return errors.Mark(errors.Newf("resources.concurrency must not be negative, got %d", c.Resources.Concurrency), ErrInvalid)
	}
	p := c.Persisted
	switch p.Backend {
	case "", BackendMemory:
	case BackendFile, BackendSQLite:
		if p.Path == "" {
			return errors.Mark(errors.Newf("persisted.path is required for the %s backend", p.Backend), ErrInvalid)
		}
	case BackendRedis:
		if p.RedisURL == "" {
			return errors.Mark(errors.New("persisted.redis_url is required for the redis backend"), ErrInvalid)
		}
	default:
		return errors.Mark(errors.Newf("unknown persisted.backend %q", p.Backend), ErrInvalid)
	}
	return nil
}

// Level returns the configured log level, LevelInfo when unset.
func (c *Config) Level() logger.LogLevel {
	return logger.ParseLevel(c.LogLevel, logger.LevelInfo)
}
