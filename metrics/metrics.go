// Package metrics is the process-scoped metrics sink named in §5 ("no
// global mutable state is assumed beyond a process-scoped logger and
// a process-scoped metrics sink; both must be thread-safe but are
// never on the hot routing path"). Backed by prometheus/client_golang,
// matching the teacher's own use of the same library in its stats
// package.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink bundles every counter/gauge the core subsystems touch. All
// fields are safe for concurrent use by construction (prometheus
// metrics are internally synchronized); nothing here is read on a hot
// path, only incremented.
type Sink struct {
	OsegCacheHits       prometheus.Counter
	OsegCacheMisses     prometheus.Counter
	OsegLookupPending   prometheus.Counter
	OsegNotFoundRetries prometheus.Counter
	OsegWriteRetries    prometheus.Counter
	OsegInconsistencies prometheus.Counter

	ForwarderDrops       prometheus.Counter
	ForwarderBackpressure prometheus.Counter
	ForwarderQueueDepth   *prometheus.GaugeVec

	MigrationsStarted   prometheus.Counter
	MigrationsCompleted prometheus.Counter
	MigrationsTimedOut  prometheus.Counter
	MigrationHopDrops   prometheus.Counter

	ConnectSuccess  prometheus.Counter
	ConnectRedirect prometheus.Counter
	ConnectError    prometheus.Counter
}

// New registers every metric against reg and returns the sink. Passing
// a fresh prometheus.Registry keeps tests hermetic; production wiring
// passes prometheus.DefaultRegisterer's registry.
func New(reg prometheus.Registerer) *Sink {
	s := &Sink{
		OsegCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spaceserver_oseg_cache_hits_total",
			Help: "OSEG lookups resolved from the local cache (§4.2 cache_hit telemetry).",
		}),
		OsegCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spaceserver_oseg_cache_misses_total",
			Help: "OSEG lookups that missed the local cache and fell through to a directory read.",
		}),
		OsegLookupPending: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spaceserver_oseg_lookup_pending_total",
			Help: "OSEG lookups that returned Pending and enqueued an asynchronous directory read.",
		}),
		OsegNotFoundRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spaceserver_oseg_not_found_retries_total",
			Help: "Directory reads retried after a not-found sit-out.",
		}),
		OsegWriteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spaceserver_oseg_write_retries_total",
			Help: "Directory writes retried after a transport failure.",
		}),
		OsegInconsistencies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spaceserver_oseg_inconsistencies_total",
			Help: "Directory reads that disagreed with the last acked write for the same object (§4.2).",
		}),
		ForwarderDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spaceserver_forwarder_drops_total",
			Help: "Datagrams dropped on overflow or missing local record.",
		}),
		ForwarderBackpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spaceserver_forwarder_backpressure_total",
			Help: "Route() calls that returned Backpressure because a peer send queue was full.",
		}),
		ForwarderQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spaceserver_forwarder_queue_depth",
			Help: "Current depth of each peer's outbound send queue.",
		}, []string{"peer"}),
		MigrationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spaceserver_migrations_started_total",
			Help: "Migrations entering SourceSent.",
		}),
		MigrationsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spaceserver_migrations_completed_total",
			Help: "Migrations that reached Complete via an ack.",
		}),
		MigrationsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spaceserver_migrations_timed_out_total",
			Help: "Migrations that exceeded their wall-clock budget without an ack (§5).",
		}),
		MigrationHopDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spaceserver_migration_hop_drops_total",
			Help: "Datagrams dropped after exceeding the hop-count bound during ownership ping-pong (§4.4).",
		}),
		ConnectSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spaceserver_connect_success_total",
			Help: "Connect attempts answered Success.",
		}),
		ConnectRedirect: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spaceserver_connect_redirect_total",
			Help: "Connect attempts answered Redirect.",
		}),
		ConnectError: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spaceserver_connect_error_total",
			Help: "Connect attempts answered Error.",
		}),
	}
	reg.MustRegister(
		s.OsegCacheHits, s.OsegCacheMisses, s.OsegLookupPending, s.OsegNotFoundRetries,
		s.OsegWriteRetries, s.OsegInconsistencies,
		s.ForwarderDrops, s.ForwarderBackpressure, s.ForwarderQueueDepth,
		s.MigrationsStarted, s.MigrationsCompleted, s.MigrationsTimedOut, s.MigrationHopDrops,
		s.ConnectSuccess, s.ConnectRedirect, s.ConnectError,
	)
	return s
}

// NewForTest builds a Sink against a private registry, for package
// tests that construct a Sink but don't care about exposition.
func NewForTest() *Sink { return New(prometheus.NewRegistry()) }
