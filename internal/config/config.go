// Package config loads docsyncd settings from defaults, an optional config
// file, DOCSYNC_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"docsync/internal/server"
	"docsync/internal/session"
	"docsync/internal/store"
)

// EnvPrefix namespaces environment overrides, e.g. DOCSYNC_SERVER_ADDR.
const EnvPrefix = "DOCSYNC"

// Log configures the process log.
type Log struct {
	// File enables rotation into the named file; empty logs to stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Verbose    bool   `mapstructure:"verbose"`
}

// Config is the full daemon configuration.
type Config struct {
	Server  server.Config  `mapstructure:"server"`
	Session session.Config `mapstructure:"session"`
	Store   store.Config   `mapstructure:"store"`
	Log     Log            `mapstructure:"log"`
}

// New returns a viper instance with every key defaulted and environment
// overrides enabled.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers the default for every key so that environment
// variables are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	srv := server.DefaultConfig()
	v.SetDefault("server.addr", srv.Addr)
	v.SetDefault("server.auth_token", srv.AuthToken)
	v.SetDefault("server.allowed_origins", srv.AllowedOrigins)
	v.SetDefault("server.max_message_size", srv.MaxMessageSize)
	v.SetDefault("server.shutdown_timeout", srv.ShutdownTimeout)

	sess := session.DefaultConfig()
	v.SetDefault("session.compact_interval", sess.CompactInterval)
	v.SetDefault("session.ping_interval", sess.PingInterval)
	v.SetDefault("session.presence_timeout", sess.PresenceTimeout)
	v.SetDefault("session.send_buffer", sess.SendBuffer)
	v.SetDefault("session.io_timeout", sess.IOTimeout)

	st := store.DefaultConfig()
	v.SetDefault("store.backend", st.Backend)
	v.SetDefault("store.sqlite_path", st.SQLitePath)
	v.SetDefault("store.redis_addr", st.RedisAddr)
	v.SetDefault("store.redis_password", st.RedisPassword)
	v.SetDefault("store.redis_db", st.RedisDB)
	v.SetDefault("store.redis_prefix", st.RedisPrefix)
	v.SetDefault("store.mongo_uri", st.MongoURI)
	v.SetDefault("store.mongo_database", st.MongoDatabase)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.verbose", false)
}

// ReadFile merges the named config file into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Session.Verbose = cfg.Log.Verbose
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"session.compact_interval", c.Session.CompactInterval},
		{"session.ping_interval", c.Session.PingInterval},
		{"session.io_timeout", c.Session.IOTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.key, d.val))
		}
	}
	if c.Session.PresenceTimeout < 0 {
		errs = append(errs, errors.New("session.presence_timeout must not be negative"))
	}
	if c.Session.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("session.send_buffer must be positive, got %d", c.Session.SendBuffer))
	}
	if c.Server.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_message_size must be positive, got %d", c.Server.MaxMessageSize))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}

	switch c.Store.Backend {
	case store.BackendMemory:
	case store.BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
		}
	case store.BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
	case store.BackendMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri is required for the mongo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q (want memory, sqlite, redis or mongo)", c.Store.Backend))
	}
	return errors.Join(errs...)
}
