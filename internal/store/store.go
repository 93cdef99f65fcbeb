// Package store persists the update log of every document.
//
// Each document is an ordered log of opaque updates. Loading merges the log
// into a single update; compaction replaces the log with that merged
// snapshot. Applying the snapshot yields the same state as applying every
// entry it replaced, so compaction is invisible to readers.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDocumentNotFound is returned when a document has never been created.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrDocumentExists is returned by CreateDocument for a known identity.
	ErrDocumentExists = errors.New("document already exists")
)

// Store is the persistence contract the sync core depends on.
// Implementations must be safe for concurrent use.
type Store interface {
	// ListDocuments returns every known document identity, sorted.
	ListDocuments(ctx context.Context) ([]string, error)
	// CreateDocument registers an empty document.
	CreateDocument(ctx context.Context, id string) error
	// LoadDocument returns the merged update log of a document.
	LoadDocument(ctx context.Context, id string) ([]byte, error)
	// AppendUpdate durably appends one update to the document's log.
	AppendUpdate(ctx context.Context, id string, update []byte) error
	// Compact replaces the document's log with a single merged snapshot.
	Compact(ctx context.Context, id string) error
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Backends accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

// Config selects and configures a backend.
type Config struct {
	Backend string `mapstructure:"backend"`

	SQLitePath string `mapstructure:"sqlite_path"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`

	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{
		Backend:       BackendMemory,
		SQLitePath:    "docsync.db",
		RedisAddr:     "localhost:6379",
		RedisPrefix:   "docsync",
		MongoURI:      "mongodb://localhost:27017",
		MongoDatabase: "docsync",
	}
}

// Open connects to the backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendSQLite:
		return OpenSQLite(cfg.SQLitePath)
	case BackendRedis:
		return NewRedisStore(ctx, cfg)
	case BackendMongo:
		return NewMongoStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
