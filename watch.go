package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tonimelisma/ownedsync/internal/cloud"
	"github.com/tonimelisma/ownedsync/internal/config"
	"github.com/tonimelisma/ownedsync/internal/sync"
)

// Feed reconnect backoff bounds.
const (
	feedRetryMin = time.Second
	feedRetryMax = 30 * time.Second
)

// shutdownGrace bounds the final flush and server shutdown after a signal.
const shutdownGrace = 15 * time.Second

// metricsReadHeaderTimeout guards the /metrics listener against slow clients.
const metricsReadHeaderTimeout = 5 * time.Second

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the library in sync until interrupted",
		Long: `Run a long-lived sync session for the configured user.

The session reconciles whenever the cloud change feed reports a write from
another device, reloads [sync], [logging] and cloud.enabled when the config
file changes or on SIGHUP ('ownedsync reload'), and serves Prometheus metrics
when [metrics] listen is set. On SIGINT/SIGTERM pending changes are flushed
before exit; a second signal forces exit.`,
		RunE: runWatch,
	}
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "reload",
		Short:       "Ask a running watch daemon to reload its config",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			info, err := signalDaemon(config.DefaultPIDPath(), unix.SIGHUP)
			if err != nil {
				return err
			}

			cc.Statusf("Sent reload to watch daemon for %s (PID %d)\n", info.UID, info.PID)

			return nil
		},
	}
}

// watcher holds the state shared by the goroutines of one watch session.
type watcher struct {
	cc          *CLIContext
	holder      *config.Holder
	session     *Session
	logger      *slog.Logger
	cloudOn     atomic.Bool
	reconcileCh chan struct{}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	uid, err := cc.requireUID()
	if err != nil {
		return err
	}

	lock, err := acquireWatchLock(config.DefaultPIDPath(), uid)
	if err != nil {
		return err
	}

	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			logger.Warn("releasing pid file", slog.String("error", releaseErr.Error()))
		}
	}()

	ctx := shutdownContext(cmd.Context(), logger)

	w := &watcher{
		cc:          cc,
		holder:      config.NewHolder(cc.Cfg, cc.CfgPath),
		logger:      logger,
		reconcileCh: make(chan struct{}, 1),
	}
	w.cloudOn.Store(cc.Cfg.Cloud.Enabled)

	s, err := openSession(ctx, cc, sessionOptions{
		CloudEnabled: w.cloudOn.Load,
		OnStatus:     w.logStatus,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	w.session = s

	logger.Info("watching owned library",
		slog.String("uid", s.UID),
		slog.Int("count", s.Engine.Snapshot().Count),
		slog.Bool("cloud", s.Cloud != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.reconcileLoop(gctx) })
	g.Go(func() error { return w.reloadLoop(gctx) })

	if s.Cloud != nil {
		g.Go(func() error { return w.feedLoop(gctx, s.Cloud) })
	}

	if listen := cc.Cfg.Metrics.Listen; listen != "" {
		g.Go(func() error { return serveHTTP(gctx, listen, metricsMux(s.Metrics.Handler()), logger) })
	}

	runErr := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownGrace)
	defer cancel()

	w.finalFlush(flushCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	return nil
}

func (w *watcher) logStatus(st sync.Status) {
	attrs := []any{
		slog.String("phase", string(st.Phase)),
		slog.String("source", string(st.Source)),
		slog.String("message", st.Message),
	}

	if st.ErrorCode != "" {
		w.logger.Warn("sync status", append(attrs,
			slog.String("step", string(st.ErrorStep)),
			slog.String("code", st.ErrorCode),
		)...)

		return
	}

	w.logger.Info("sync status", attrs...)
}

// requestReconcile queues a reconciliation. Requests that arrive while one
// is queued are absorbed by it.
func (w *watcher) requestReconcile() {
	select {
	case w.reconcileCh <- struct{}{}:
	default:
	}
}

func (w *watcher) reconcileLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.reconcileCh:
			if err := w.session.Engine.Reconcile(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("reconcile failed", slog.String("error", err.Error()))
			}
		}
	}
}

// feedLoop follows the cloud change feed, reconnecting with backoff.
func (w *watcher) feedLoop(ctx context.Context, store cloud.Store) error {
	delay := feedRetryMin

	for {
		started := time.Now()

		err := store.Watch(ctx, w.session.UID, func(c cloud.Change) {
			w.session.Metrics.FeedUpdate()
			w.logger.Debug("cloud change",
				slog.Int64("library_version", c.LibraryVersion),
				slog.Int("count", c.Count),
			)
			w.requestReconcile()
		})

		if ctx.Err() != nil {
			return nil
		}

		// A connection that stayed up for a while resets the backoff.
		if time.Since(started) > feedRetryMax {
			delay = feedRetryMin
		}

		if err != nil {
			w.logger.Warn("change feed disconnected",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay = min(delay*2, feedRetryMax)

		// Changes may have been missed while disconnected.
		w.requestReconcile()
	}
}

// reloadLoop reloads the config on SIGHUP or when the config file changes.
func (w *watcher) reloadLoop(ctx context.Context) error {
	hup := hangupChannel(ctx)

	var fsEvents <-chan fsnotify.Event

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("config file watching unavailable", slog.String("error", err.Error()))
	} else {
		defer fw.Close()

		// Watch the directory: editors often replace the file instead of
		// writing it in place.
		if addErr := fw.Add(filepath.Dir(w.holder.Path())); addErr != nil {
			w.logger.Warn("config file watching unavailable",
				slog.String("path", w.holder.Path()),
				slog.String("error", addErr.Error()),
			)
		} else {
			fsEvents = fw.Events
		}
	}

	target := filepath.Clean(w.holder.Path())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			w.logger.Info("received SIGHUP, reloading config")
			w.reload()
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}

			if filepath.Clean(ev.Name) == target && isConfigWrite(ev) {
				w.logger.Info("config file changed, reloading", slog.String("op", ev.Op.String()))
				w.reload()
			}
		}
	}
}

// reload applies the runtime tunables from the config file. Debounce windows
// are fixed when the engine is built and take effect on the next start.
func (w *watcher) reload() {
	cfg, err := w.holder.Reload(w.logger)
	if err != nil {
		w.logger.Warn("config reload failed, keeping current settings", slog.String("error", err.Error()))
		return
	}

	w.cc.Level.Set(effectiveLevel(&cfg.Logging, w.cc.Flags))

	// --offline outranks the file.
	enabled := cfg.Cloud.Enabled && !w.cc.Flags.Offline
	wasOn := w.cloudOn.Swap(enabled)

	w.logger.Info("config reloaded",
		slog.String("log_level", cfg.Logging.LogLevel),
		slog.Bool("cloud_enabled", enabled),
	)

	if enabled && w.session.Cloud == nil {
		w.logger.Warn("cloud enabled in config, but this session started without a cloud store; restart watch to connect")
		return
	}

	// Push anything saved to the device while the cloud was off.
	if !wasOn && enabled {
		w.requestReconcile()
	}
}

// isConfigWrite reports whether ev may have changed the file's contents.
func isConfigWrite(ev fsnotify.Event) bool {
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

func (w *watcher) finalFlush(ctx context.Context) {
	if !w.session.Engine.HasUnsavedChanges() {
		return
	}

	w.logger.Info("flushing pending changes before exit")

	status, err := w.session.Flush(ctx, sync.ReasonManual, false)
	if err != nil {
		w.logger.Warn("final flush failed", slog.String("error", err.Error()))
		return
	}

	w.logger.Info("final flush done", slog.String("status", formatStatus(status)))
}

func metricsMux(h http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", h)

	return mux
}

// serveHTTP runs an HTTP server on addr until ctx ends, then shuts it down
// gracefully.
func serveHTTP(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("http listener started", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("serving %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down %s: %w", addr, err)
	}

	return nil
}
