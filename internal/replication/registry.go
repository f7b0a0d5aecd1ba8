package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ResponseRegistry indexes in-flight and unfetched cluster responses by
// request id, and runs a reaper that evicts completed responses nobody
// fetched.
//
// An entry leaves the registry in one of three ways:
//   - the caller fetches the merged response (Remove via the response's fetch hook)
//   - the reaper finds it completed for longer than maxAge
//   - the replicator shuts down
//
// Incomplete entries are never evicted by age.
//
// Thread-safe: All methods are safe for concurrent access.
type ResponseRegistry struct {
	responses map[string]*AsyncClusterResponse // request id -> response
	logger    zerolog.Logger
	now       func() time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	interval  time.Duration // How often the reaper runs
	maxAge    time.Duration // How long a completed response may stay unfetched
	mu        sync.RWMutex
	wg        sync.WaitGroup
	startOnce sync.Once
}

// NewResponseRegistry creates a registry whose reaper runs every interval and
// evicts completed responses older than maxAge.
//
// Example:
//
//	registry := NewResponseRegistry(30*time.Second, 5*time.Minute, logger)
//	registry.Start()
//	defer registry.Stop()
func NewResponseRegistry(interval, maxAge time.Duration, logger zerolog.Logger) *ResponseRegistry {
	ctx, cancel := context.WithCancel(context.Background())

	return &ResponseRegistry{
		responses: make(map[string]*AsyncClusterResponse),
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		interval:  interval,
		maxAge:    maxAge,
	}
}

// Register adds resp under its request id.
func (r *ResponseRegistry) Register(resp *AsyncClusterResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.responses[resp.RequestID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, resp.RequestID())
	}
	r.responses[resp.RequestID()] = resp
	return nil
}

// Get returns the response registered under requestID, or nil. Unknown ids and
// ids whose response was already fetched look the same.
func (r *ResponseRegistry) Get(requestID string) *AsyncClusterResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.responses[requestID]
}

// Remove drops requestID from the registry. Removing an unknown id is a no-op.
func (r *ResponseRegistry) Remove(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.responses, requestID)
}

// Len returns the number of registered responses.
func (r *ResponseRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.responses)
}

// Incomplete returns the registered responses that have not completed.
func (r *ResponseRegistry) Incomplete() []*AsyncClusterResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*AsyncClusterResponse
	for _, resp := range r.responses {
		if !resp.IsComplete() {
			out = append(out, resp)
		}
	}
	return out
}

// Start launches the reaper goroutine. Calling Start more than once has no
// effect.
func (r *ResponseRegistry) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.run()
	})
}

// Stop halts the reaper and waits for it to exit. Registered responses are
// left in place.
func (r *ResponseRegistry) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *ResponseRegistry) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug().Dur("interval", r.interval).Dur("max_age", r.maxAge).Msg("response reaper started")

	for {
		select {
		case <-ticker.C:
			r.Purge()
		case <-r.ctx.Done():
			r.logger.Debug().Msg("response reaper stopped")
			return
		}
	}
}

// Purge evicts every completed response that has gone unfetched for longer
// than maxAge and returns how many were evicted.
func (r *ResponseRegistry) Purge() int {
	now := r.now()

	r.mu.Lock()
	var evicted []*AsyncClusterResponse
	for id, resp := range r.responses {
		completedAt := resp.CompletedAt()
		if completedAt.IsZero() {
			continue
		}
		if now.Sub(completedAt) > r.maxAge {
			delete(r.responses, id)
			evicted = append(evicted, resp)
		}
	}
	r.mu.Unlock()

	for _, resp := range evicted {
		r.logEviction(resp, now)
	}
	return len(evicted)
}

// logEviction must not let a logging failure reach the reaper loop.
func (r *ResponseRegistry) logEviction(resp *AsyncClusterResponse, now time.Time) {
	defer func() { _ = recover() }()

	r.logger.Warn().
		Str("request_id", resp.RequestID()).
		Str("method", resp.Method()).
		Dur("age", now.Sub(resp.CompletedAt())).
		Msg("evicted cluster response that was never fetched")
}
