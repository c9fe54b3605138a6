// Package metrics exposes sync engine and document store activity as
// Prometheus metrics. Each Recorder owns its registry, so tests and
// multiple engines never collide on the global default registry.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tonimelisma/ownedsync/internal/sync"
)

const namespace = "ownedsync"

var phases = []sync.Phase{sync.PhaseIdle, sync.PhaseSyncing, sync.PhaseSaving, sync.PhaseReady, sync.PhaseError}

// Recorder collects metrics. The Observe methods match the engine's
// callback signatures so they can be plugged into sync.EngineConfig.
type Recorder struct {
	registry *prometheus.Registry

	syncEvents    *prometheus.CounterVec
	statusPhase   *prometheus.GaugeVec
	statusErrors  *prometheus.CounterVec
	ownedTracks   prometheus.Gauge
	snapshots     prometheus.Counter
	storeRequests *prometheus.CounterVec
	cacheErrors   *prometheus.CounterVec
	feedUpdates   prometheus.Counter
}

// New creates a Recorder with its own registry. Go runtime and process
// collectors are registered alongside.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		syncEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_events_total",
			Help:      "Save-lifecycle events emitted by the sync engine",
		}, []string{"type", "code"}),
		statusPhase: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status_phase",
			Help:      "1 for the engine's current phase, 0 otherwise",
		}, []string{"phase"}),
		statusErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_errors_total",
			Help:      "Status transitions that carried a cloud error",
		}, []string{"step", "code"}),
		ownedTracks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "owned_tracks",
			Help:      "Number of tracks in the current owned set",
		}),
		snapshots: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_emitted_total",
			Help:      "Snapshot events delivered to the host",
		}),
		storeRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_requests_total",
			Help:      "Document store HTTP requests by route and status",
		}, []string{"route", "status"}),
		cacheErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Local cache backend failures by operation",
		}, []string{"op"}),
		feedUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_updates_total",
			Help:      "Remote change notifications received by watch",
		}),
	}
}

// ObserveSnapshot matches sync.EngineConfig.OnSnapshot.
func (r *Recorder) ObserveSnapshot(ev sync.SnapshotEvent) {
	r.snapshots.Inc()
	r.ownedTracks.Set(float64(ev.Count))
}

// ObserveStatus matches sync.EngineConfig.OnStatus.
func (r *Recorder) ObserveStatus(st sync.Status) {
	for _, p := range phases {
		v := 0.0
		if p == st.Phase {
			v = 1
		}

		r.statusPhase.WithLabelValues(string(p)).Set(v)
	}

	if st.ErrorCode != "" {
		r.statusErrors.WithLabelValues(string(st.ErrorStep), st.ErrorCode).Inc()
	}
}

// ObserveSyncEvent matches sync.EngineConfig.OnSyncEvent.
func (r *Recorder) ObserveSyncEvent(ev sync.SyncEvent) {
	r.syncEvents.WithLabelValues(string(ev.Type), ev.Code).Inc()
}

// ObserveRequest matches cloud.HandlerOptions.OnRequest.
func (r *Recorder) ObserveRequest(route string, status int) {
	r.storeRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// CacheError matches cache.Options.OnError.
func (r *Recorder) CacheError(op string) {
	r.cacheErrors.WithLabelValues(op).Inc()
}

// FeedUpdate counts one remote change notification.
func (r *Recorder) FeedUpdate() {
	r.feedUpdates.Inc()
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
