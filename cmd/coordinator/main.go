// Package main runs the coordinator: the client entry point that replicates
// every request under /cluster to all registered nodes.
//
// Configuration comes from flags; every flag defaults to an environment
// variable:
//
//	--listen               COORDINATOR_LISTEN           (":8080")
//	--pool-size            REPLICATOR_POOL_SIZE         (10)
//	--connection-timeout   REPLICATOR_CONNECT_TIMEOUT   (5s)
//	--response-timeout     REPLICATOR_RESPONSE_TIMEOUT  (30s)
//	--reaper-interval      REPLICATOR_REAPER_INTERVAL   (30s)
//	--max-response-age     REPLICATOR_MAX_RESPONSE_AGE  (5m)
//	--two-phase-min-nodes  REPLICATOR_TWO_PHASE_MIN     (1)
//	--rate-limit           REPLICATOR_RATE_LIMIT        (0, unlimited)
//	--health-interval      COORDINATOR_HEALTH_INTERVAL  (5s, 0 disables)
//	--evict-unhealthy      COORDINATOR_EVICT_UNHEALTHY  (false)
//	--log-level            LOG_LEVEL                    ("info")
//
// Example usage:
//
//	COORDINATOR_LISTEN=:8080 ./coordinator
//	curl -X PUT localhost:8080/cluster/store/user:1 -d '{"name":"Alice"}'
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dreamware/replicator/internal/coordinator"
	"github.com/dreamware/replicator/internal/replication"
	"github.com/dreamware/replicator/internal/transport"
)

type options struct {
	listen            string
	poolSize          int
	connectionTimeout time.Duration
	responseTimeout   time.Duration
	reaperInterval    time.Duration
	maxResponseAge    time.Duration
	twoPhaseMinNodes  int
	rateLimit         float64
	healthInterval    time.Duration
	evictUnhealthy    bool
	logLevel          string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "coordinator",
		Short:        "Replicate client requests to every registered node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(opts.logLevel)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", getenv("COORDINATOR_LISTEN", ":8080"), "listen address")
	f.IntVar(&opts.poolSize, "pool-size", envInt("REPLICATOR_POOL_SIZE", replication.DefaultPoolSize), "concurrent node calls")
	f.DurationVar(&opts.connectionTimeout, "connection-timeout", envDuration("REPLICATOR_CONNECT_TIMEOUT", replication.DefaultConnectionTimeout), "node connection timeout")
	f.DurationVar(&opts.responseTimeout, "response-timeout", envDuration("REPLICATOR_RESPONSE_TIMEOUT", replication.DefaultResponseTimeout), "node response timeout")
	f.DurationVar(&opts.reaperInterval, "reaper-interval", envDuration("REPLICATOR_REAPER_INTERVAL", replication.DefaultReaperInterval), "how often unfetched responses are checked")
	f.DurationVar(&opts.maxResponseAge, "max-response-age", envDuration("REPLICATOR_MAX_RESPONSE_AGE", replication.DefaultMaxResponseAge), "how long a completed response may stay unfetched")
	f.IntVar(&opts.twoPhaseMinNodes, "two-phase-min-nodes", envInt("REPLICATOR_TWO_PHASE_MIN", replication.DefaultTwoPhaseMinNodes), "minimum nodes for two-phase commit of mutating requests")
	f.Float64Var(&opts.rateLimit, "rate-limit", envFloat("REPLICATOR_RATE_LIMIT", 0), "outbound node calls per second, 0 for unlimited")
	f.DurationVar(&opts.healthInterval, "health-interval", envDuration("COORDINATOR_HEALTH_INTERVAL", 5*time.Second), "node health check interval, 0 disables")
	f.BoolVar(&opts.evictUnhealthy, "evict-unhealthy", getenv("COORDINATOR_EVICT_UNHEALTHY", "false") == "true", "deregister nodes that fail health checks")
	f.StringVar(&opts.logLevel, "log-level", getenv("LOG_LEVEL", "info"), "log level")

	return cmd
}

func run(ctx context.Context, opts options, logger zerolog.Logger) error {
	caller := transport.NewHTTPCaller(transport.Config{
		Logger:            logger,
		ConnectionTimeout: opts.connectionTimeout,
		ResponseTimeout:   opts.responseTimeout,
		RateLimit:         opts.rateLimit,
	})

	replicator := replication.NewThreadPoolReplicator(caller, replication.Config{
		Logger:            logger,
		PoolSize:          opts.poolSize,
		ConnectionTimeout: opts.connectionTimeout,
		ResponseTimeout:   opts.responseTimeout,
		ReaperInterval:    opts.reaperInterval,
		MaxResponseAge:    opts.maxResponseAge,
		TwoPhaseMinNodes:  opts.twoPhaseMinNodes,
	})
	replicator.Start()
	defer replicator.Stop()

	gin.SetMode(gin.ReleaseMode)
	srv := coordinator.NewServer(replicator, coordinator.Config{
		Logger:         logger,
		RequestTimeout: opts.connectionTimeout + opts.responseTimeout,
		HealthInterval: opts.healthInterval,
		EvictUnhealthy: opts.evictUnhealthy,
	})
	srv.Start()
	defer srv.Stop()

	httpSrv := &http.Server{
		Addr:              opts.listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", opts.listen).Msg("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	logger.Info().Msg("coordinator stopped")
	return nil
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log level: %w", err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Str("component", "coordinator").
		Logger(), nil
}

// getenv returns the value of environment variable k, or def when it is unset
// or empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v, err := strconv.Atoi(getenv(k, "")); err == nil {
		return v
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v, err := strconv.ParseFloat(getenv(k, ""), 64); err == nil {
		return v
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(getenv(k, "")); err == nil {
		return v
	}
	return def
}
