package replication

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultPoolSize          = 10
	DefaultConnectionTimeout = 5 * time.Second
	DefaultResponseTimeout   = 30 * time.Second
	DefaultReaperInterval    = 30 * time.Second
	DefaultMaxResponseAge    = 5 * time.Minute
	DefaultTwoPhaseMinNodes  = 1
)

// Config holds the resource knobs of a ThreadPoolReplicator. Zero values are
// replaced by the defaults above.
type Config struct {
	Logger zerolog.Logger

	// PoolSize bounds the number of concurrent node calls.
	PoolSize int

	// ConnectionTimeout and ResponseTimeout together bound a single node
	// call; the transport applies them individually.
	ConnectionTimeout time.Duration
	ResponseTimeout   time.Duration

	// ReaperInterval is how often completed, unfetched responses are checked;
	// MaxResponseAge is how long they may stay unfetched.
	ReaperInterval time.Duration
	MaxResponseAge time.Duration

	// TwoPhaseMinNodes is the minimum number of targeted nodes for a mutating
	// request to use two-phase commit.
	TwoPhaseMinNodes int
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = DefaultReaperInterval
	}
	if c.MaxResponseAge <= 0 {
		c.MaxResponseAge = DefaultMaxResponseAge
	}
	if c.TwoPhaseMinNodes <= 0 {
		c.TwoPhaseMinNodes = DefaultTwoPhaseMinNodes
	}
	return c
}

// NodeCallTimeout is the deadline given to a single node call.
func (c Config) NodeCallTimeout() time.Duration {
	return c.ConnectionTimeout + c.ResponseTimeout
}
