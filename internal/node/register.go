package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/replicator/internal/cluster"
)

// Registration configures how a node announces itself to the coordinator.
type Registration struct {
	CoordinatorURL string
	Node           cluster.NodeIdentifier
	Attempts       int           // default 10
	Delay          time.Duration // between attempts, default 400ms
}

// Register posts the node's identifier to the coordinator's /register
// endpoint, retrying while the coordinator is unreachable or answers with an
// error. It returns the last error once every attempt failed, or ctx.Err() if
// ctx ends first.
//
// Retry strategy:
//   - Attempts tries, Delay apart
//   - Network errors and non-2xx answers both trigger a retry
//
// A node cannot receive replicated requests until it is registered, so callers
// usually treat the error as fatal.
func Register(ctx context.Context, reg Registration, logger zerolog.Logger) error {
	if err := reg.Node.Validate(); err != nil {
		return err
	}
	attempts := reg.Attempts
	if attempts <= 0 {
		attempts = 10
	}
	delay := reg.Delay
	if delay <= 0 {
		delay = 400 * time.Millisecond
	}

	url := strings.TrimSuffix(reg.CoordinatorURL, "/") + "/register"
	body := cluster.RegisterRequest{Node: reg.Node}

	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = cluster.PostJSON(ctx, url, body, nil)
		if lastErr == nil {
			logger.Info().Str("coordinator", reg.CoordinatorURL).Str("node", reg.Node.String()).Msg("registered with coordinator")
			return nil
		}
		logger.Warn().Int("attempt", i+1).Err(lastErr).Msg("register retry")

		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("register with coordinator after %d attempts: %w", attempts, lastErr)
}
