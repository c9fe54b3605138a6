package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ownedsync/internal/cloud"
	"github.com/tonimelisma/ownedsync/internal/config"
	"github.com/tonimelisma/ownedsync/internal/metrics"
)

// envServeToken names the bearer token the serve command requires, if set.
const envServeToken = "OWNEDSYNC_SERVE_TOKEN"

const defaultServeListen = "127.0.0.1:8787"

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a library document store over HTTP",
		Long: `Serve the library REST API and change feed that 'cloud.backend = "http"'
clients speak. Documents live in memory (lost on exit) or in a NATS JetStream
key-value bucket (cloud.nats_url, cloud.nats_bucket).

When ` + envServeToken + ` is set, every request must carry it as a bearer
token. Prometheus metrics are served at /metrics on the same listener.`,
		RunE: runServe,
	}

	cmd.Flags().String("listen", defaultServeListen, "address to listen on")
	cmd.Flags().String("backend", config.CloudMemory, "document storage: memory or nats")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	listen, err := cmd.Flags().GetString("listen")
	if err != nil {
		return fmt.Errorf("reading --listen: %w", err)
	}

	backend, err := cmd.Flags().GetString("backend")
	if err != nil {
		return fmt.Errorf("reading --backend: %w", err)
	}

	ctx := shutdownContext(cmd.Context(), logger)

	var store cloud.Store

	switch backend {
	case config.CloudMemory:
		store = cloud.NewMemStore()
	case config.CloudNATS:
		ns, closeFn, natsErr := openNATSStore(ctx, cc.Cfg.Cloud.NATSURL, cc.Cfg.Cloud.NATSBucket, logger)
		if natsErr != nil {
			return natsErr
		}
		defer closeFn()

		store = ns
	default:
		return fmt.Errorf("--backend must be %s or %s, got %q", config.CloudMemory, config.CloudNATS, backend)
	}

	rec := metrics.New()
	token := os.Getenv(envServeToken)

	api := cloud.NewHandler(store, cloud.HandlerOptions{
		Token:     token,
		Logger:    logger,
		OnRequest: rec.ObserveRequest,
	})

	logger.Info("serving library store",
		slog.String("addr", listen),
		slog.String("backend", backend),
		slog.Bool("auth", token != ""),
	)

	return serveHTTP(ctx, listen, serveMux(api, rec.Handler()), logger)
}

// serveMux mounts the store API at the root and metrics at /metrics.
func serveMux(api, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	mux.Handle("/", api)

	return mux
}
