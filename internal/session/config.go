package session

import (
	"log"
	"os"
	"time"

	"docsync/internal/crdt"
)

// Document is the replicated-document capability a session drives. The
// session never looks inside updates or state vectors.
type Document interface {
	// StateVector summarises what this replica has seen.
	StateVector() []byte
	// DiffSince returns what a peer with the given state vector is missing,
	// or an empty result when it is up to date.
	DiffSince(vector []byte) ([]byte, error)
	// MergeDelta applies an update tagged with origin and returns the part
	// that was new to this replica.
	MergeDelta(update []byte, origin any) ([]byte, error)
	// OnChange registers a callback invoked after every applied change.
	OnChange(fn func(update []byte, origin any))
	// EncodeState returns the full state as one update.
	EncodeState() []byte
}

// Config holds the timing and sizing knobs shared by every session and
// connection of a registry.
type Config struct {
	// CompactInterval is the period of the maintenance tick that compacts
	// dirty documents and expires stale presence.
	CompactInterval time.Duration `mapstructure:"compact_interval"`
	// PingInterval is the liveness probe period of each connection.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// PresenceTimeout expires presence entries that are not renewed.
	// Zero disables expiry.
	PresenceTimeout time.Duration `mapstructure:"presence_timeout"`
	// SendBuffer is the number of outbound frames queued per connection
	// before the connection is dropped as too slow.
	SendBuffer int `mapstructure:"send_buffer"`
	// IOTimeout bounds each persistence call.
	IOTimeout time.Duration `mapstructure:"io_timeout"`

	Verbose bool        `mapstructure:"-"`
	Logger  *log.Logger `mapstructure:"-"`
	// NewDocument creates the replica a session loads into.
	NewDocument func() Document `mapstructure:"-"`
}

// DefaultConfig returns the standard intervals.
func DefaultConfig() Config {
	return Config{
		CompactInterval: 5 * time.Second,
		PingInterval:    30 * time.Second,
		PresenceTimeout: 30 * time.Second,
		SendBuffer:      256,
		IOTimeout:       10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CompactInterval <= 0 {
		c.CompactInterval = d.CompactInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = d.IOTimeout
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	if c.NewDocument == nil {
		c.NewDocument = func() Document { return crdt.New(0) }
	}
	return c
}
