// Package main runs a storage node: a revisioned key-value store behind the
// HTTP API the coordinator replicates requests to.
//
// Configuration (flag / environment variable / default):
//
//	--id            NODE_ID            (required)
//	--listen        NODE_LISTEN        (":8081")
//	--api-address   NODE_API_ADDRESS   ("127.0.0.1")
//	--api-port      NODE_API_PORT      (8081)
//	--coordinator   COORDINATOR_ADDR   (required)
//	--max-value     NODE_MAX_VALUE     (1048576 bytes, 0 for unlimited)
//	--log-level     LOG_LEVEL          ("info")
//
// The api address and port are what the coordinator uses to reach the node,
// so they must be routable from the coordinator.
//
// Example usage:
//
//	NODE_ID=node-1 NODE_LISTEN=:8081 NODE_API_PORT=8081 \
//	COORDINATOR_ADDR=http://localhost:8080 ./node
//
//	# List the cluster membership known to the coordinator
//	./node nodes --coordinator http://localhost:8080
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/node"
	"github.com/dreamware/replicator/internal/storage"
)

type options struct {
	id          string
	listen      string
	apiAddress  string
	apiPort     int
	coordinator string
	maxValue    int
	logLevel    string
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
		Use:          "node",
		Short:        "Run a storage node and register it with the coordinator",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.id == "" {
				return errors.New("node id is required (--id or NODE_ID)")
			}
			if opts.coordinator == "" {
				return errors.New("coordinator address is required (--coordinator or COORDINATOR_ADDR)")
			}
			logger, err := newLogger(opts.logLevel)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, logger)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.coordinator, "coordinator", getenv("COORDINATOR_ADDR", ""), "coordinator base URL")

	f := cmd.Flags()
	f.StringVar(&opts.id, "id", getenv("NODE_ID", ""), "unique node id")
	f.StringVar(&opts.listen, "listen", getenv("NODE_LISTEN", ":8081"), "listen address")
	f.StringVar(&opts.apiAddress, "api-address", getenv("NODE_API_ADDRESS", "127.0.0.1"), "address the coordinator reaches this node at")
	f.IntVar(&opts.apiPort, "api-port", envInt("NODE_API_PORT", 8081), "port the coordinator reaches this node at")
	f.IntVar(&opts.maxValue, "max-value", envInt("NODE_MAX_VALUE", 1<<20), "largest accepted value in bytes, 0 for unlimited")
	f.StringVar(&opts.logLevel, "log-level", getenv("LOG_LEVEL", "info"), "log level")

	cmd.AddCommand(nodesCmd(&opts))
	return cmd
}

// nodesCmd prints the coordinator's membership.
func nodesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the nodes registered with the coordinator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.coordinator == "" {
				return errors.New("coordinator address is required (--coordinator or COORDINATOR_ADDR)")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			var list cluster.NodeList
			if err := cluster.GetJSON(ctx, strings.TrimSuffix(opts.coordinator, "/")+"/nodes", &list); err != nil {
				return err
			}
			return printNodes(cmd.OutOrStdout(), list.Nodes)
		},
	}
}

func printNodes(out io.Writer, nodes []cluster.NodeIdentifier) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAPI")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%s\n", n.ID, n.APIBaseURL())
	}
	return w.Flush()
}

func run(ctx context.Context, opts options, logger zerolog.Logger) error {
	store := storage.NewMemoryStore(opts.maxValue)
	svc := node.NewService(opts.id, store, logger)

	s := &http.Server{
		Addr:              opts.listen,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", opts.listen).Msg("node listening")
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	identity := cluster.NodeIdentifier{ID: opts.id, APIAddress: opts.apiAddress, APIPort: opts.apiPort}
	if err := node.Register(ctx, node.Registration{CoordinatorURL: opts.coordinator, Node: identity}, logger); err != nil {
		_ = s.Close()
		return err
	}

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	logger.Info().Msg("node stopped")
	return nil
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log level: %w", err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Str("component", "node").
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
