package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tonimelisma/ownedsync/internal/cache"
	"github.com/tonimelisma/ownedsync/internal/cloud"
	"github.com/tonimelisma/ownedsync/internal/config"
	"github.com/tonimelisma/ownedsync/internal/credentials"
	"github.com/tonimelisma/ownedsync/internal/metrics"
	"github.com/tonimelisma/ownedsync/internal/sync"
)

// Session bundles the stores and engine for one user. It replaces threading
// the cache, cloud store and engine through every command separately.
type Session struct {
	UID     string
	Cache   *cache.Store
	Cloud   cloud.Store // nil when the cloud is disabled
	Engine  *sync.Engine
	Metrics *metrics.Recorder

	closers []func() error
	logger  *slog.Logger
}

// sessionOptions lets long-running commands hook engine callbacks and
// runtime switches.
type sessionOptions struct {
	CloudEnabled func() bool
	OnSnapshot   func(sync.SnapshotEvent)
	OnStatus     func(sync.Status)
	SkipInit     bool
}

// openSession opens the configured cache and cloud stores, builds the engine
// and initializes it for the configured user.
func openSession(ctx context.Context, cc *CLIContext, opts sessionOptions) (*Session, error) {
	uid, err := cc.requireUID()
	if err != nil {
		return nil, err
	}

	cfg := cc.Cfg
	logger := cc.Logger.With(slog.String("uid", uid))
	rec := metrics.New()

	s := &Session{UID: uid, Metrics: rec, logger: logger}

	s.Cache = openCache(ctx, cfg, rec, logger)
	s.closers = append(s.closers, s.Cache.Close)

	if cfg.Cloud.Enabled {
		store, closeFn, cloudErr := openCloud(ctx, &cfg.Cloud, logger)
		if cloudErr != nil {
			s.Close()

			return nil, cloudErr
		}

		s.Cloud = store

		if closeFn != nil {
			s.closers = append(s.closers, closeFn)
		}
	}

	ecfg := &sync.EngineConfig{
		Cache:                s.Cache,
		CloudEnabled:         opts.CloudEnabled,
		LocalDebounce:        cfg.Sync.LocalDebounceDuration(),
		CloudDebounce:        cfg.Sync.CloudDebounceDuration(),
		CloudTimeout:         cfg.Cloud.TimeoutDuration(),
		RemoteBackupInterval: cfg.Cloud.BackupEvery(),
		BackupKeep:           cfg.Cloud.BackupKeep,
		OnSnapshot:           chainSnapshot(rec.ObserveSnapshot, opts.OnSnapshot),
		OnStatus:             chainStatus(rec.ObserveStatus, opts.OnStatus),
		OnSyncEvent:          rec.ObserveSyncEvent,
		Logger:               logger,
	}

	// Assigning a nil *Store to the interface would defeat the engine's
	// local-only check.
	if s.Cloud != nil {
		ecfg.Cloud = s.Cloud
	}

	s.Engine = sync.NewEngine(ecfg)

	if opts.SkipInit {
		return s, nil
	}

	if _, err := s.Engine.InitForUser(ctx, uid, sync.InitOpts{}); err != nil {
		s.Close()

		return nil, fmt.Errorf("loading library: %w", err)
	}

	return s, nil
}

// Close stops the engine and releases every store, newest first.
func (s *Session) Close() error {
	var errs []error

	if s.Engine != nil {
		errs = append(errs, s.Engine.Close())
	}

	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}

	return errors.Join(errs...)
}

// Flush pushes pending changes and returns the settled status.
func (s *Session) Flush(ctx context.Context, reason string, allowEmpty bool) (sync.Status, error) {
	if err := s.Engine.Flush(ctx, reason, sync.FlushOpts{AllowEmpty: allowEmpty}); err != nil {
		return s.Engine.Status(), fmt.Errorf("saving library: %w", err)
	}

	return s.Engine.Status(), nil
}

// openCache opens the configured backend. A backend that cannot be opened
// degrades to Unavailable so the engine still runs from the cloud.
func openCache(ctx context.Context, cfg *config.Config, rec *metrics.Recorder, logger *slog.Logger) *cache.Store {
	opts := cache.Options{
		Logger:              logger,
		LocalBackupInterval: cfg.Cache.LocalBackupEvery(),
		OnError:             rec.CacheError,
	}

	if cfg.Cache.Backend == config.CacheNone {
		return cache.New(cache.Unavailable{}, opts)
	}

	backend, err := cache.Open(ctx, cfg.Cache.Backend, cfg.Cache.Path, logger)
	if err != nil {
		logger.Warn("local cache unavailable, continuing without it",
			slog.String("backend", cfg.Cache.Backend),
			slog.String("path", cfg.Cache.Path),
			slog.String("error", err.Error()),
		)

		return cache.New(cache.Unavailable{}, opts)
	}

	return cache.New(backend, opts)
}

// openCloud builds the configured cloud store. The returned close func may
// be nil.
func openCloud(ctx context.Context, cc *config.CloudConfig, logger *slog.Logger) (cloud.Store, func() error, error) {
	switch cc.Backend {
	case config.CloudHTTP:
		store, err := openHTTPStore(ctx, cc, logger)
		if err != nil {
			return nil, nil, err
		}

		return store, nil, nil
	case config.CloudNATS:
		store, closeFn, err := openNATSStore(ctx, cc.NATSURL, cc.NATSBucket, logger)
		if err != nil {
			return nil, nil, err
		}

		return store, closeFn, nil
	case config.CloudMemory:
		return cloud.NewMemStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown cloud backend %q", cc.Backend)
	}
}

func openHTTPStore(ctx context.Context, cc *config.CloudConfig, logger *slog.Logger) (*cloud.HTTPStore, error) {
	if cc.URL == "" {
		return nil, fmt.Errorf("cloud.url is not set (pass --cloud-url or set OWNEDSYNC_CLOUD_URL)")
	}

	ts, err := credentials.TokenSource(ctx, cc.TokenFile, logger)
	if err != nil && !errors.Is(err, credentials.ErrNotLoggedIn) {
		return nil, err
	}

	if ts == nil {
		logger.Debug("no stored credentials, sending unauthenticated requests",
			slog.String("token_file", cc.TokenFile),
		)
	}

	client := cloud.NewClient(cc.URL, cloud.ClientOptions{
		HTTPClient:        &http.Client{},
		Tokens:            ts,
		Logger:            logger,
		UserAgent:         "ownedsync/" + version,
		RequestsPerSecond: cc.RequestsPerSecond,
		Burst:             max(int(cc.RequestsPerSecond), 1),
	})

	return cloud.NewHTTPStore(client), nil
}

// openNATSStore connects to the JetStream server at url and opens bucket.
func openNATSStore(ctx context.Context, url, bucket string, logger *slog.Logger) (*cloud.NATSStore, func() error, error) {
	nc, err := nats.Connect(url,
		nats.Name("ownedsync"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", redactURL(c.ConnectedUrl())))
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to nats %s: %w", redactURL(url), err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()

		return nil, nil, fmt.Errorf("opening jetstream: %w", err)
	}

	store, err := cloud.NewNATSStore(ctx, js, bucket, logger)
	if err != nil {
		nc.Close()

		return nil, nil, err
	}

	return store, func() error {
		return nc.Drain()
	}, nil
}

// redactURL strips userinfo so credentials never reach the log.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}

	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}

	return scheme + "://" + rest
}

func chainSnapshot(fns ...func(sync.SnapshotEvent)) func(sync.SnapshotEvent) {
	return func(ev sync.SnapshotEvent) {
		for _, fn := range fns {
			if fn != nil {
				fn(ev)
			}
		}
	}
}

func chainStatus(fns ...func(sync.Status)) func(sync.Status) {
	return func(st sync.Status) {
		for _, fn := range fns {
			if fn != nil {
				fn(st)
			}
		}
	}
}
