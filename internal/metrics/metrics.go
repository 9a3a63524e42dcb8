// Package metrics exposes executor activity as Prometheus metrics.
//
// Metric families (all prefixed golem_):
//
//	oplog_entries_added_total{kind}          entries added, live only
//	oplog_fallible_add_failures_total{kind}  durability write failures
//	oplog_commits_total                      commits that flushed entries
//	oplog_commit_duration_seconds            commit latency
//	replay_entries_total{kind}               entries consumed by replay
//	replay_nondeterminism_total              divergences detected by replay
//	worker_retries_total{error}              failed attempts that will be retried
//	worker_status_transitions_total{status}  transitions, by new status
//	transaction_recoveries_total{outcome}    remote transactions resolved by replay
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/golemexec/internal/executor"
	"github.com/roach88/golemexec/internal/oplog"
)

const namespace = "golem"

var _ executor.Observer = (*Collector)(nil)

// Collector implements executor.Observer on Prometheus collectors.
type Collector struct {
	entriesAdded      *prometheus.CounterVec
	fallibleFailures  *prometheus.CounterVec
	commits           prometheus.Counter
	commitLatency     prometheus.Histogram
	replayed          *prometheus.CounterVec
	nonDeterminism    prometheus.Counter
	retries           *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec
	recoveries        *prometheus.CounterVec
}

// NewCollector creates the collectors and registers them on reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		entriesAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "oplog", Name: "entries_added_total",
			Help: "Oplog entries added by live execution.",
		}, []string{"kind"}),
		fallibleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "oplog", Name: "fallible_add_failures_total",
			Help: "Oplog writes that failed and aborted the invocation attempt.",
		}, []string{"kind"}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "oplog", Name: "commits_total",
			Help: "Oplog commits that flushed at least one entry.",
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "oplog", Name: "commit_duration_seconds",
			Help:    "Oplog commit latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "replay", Name: "entries_total",
			Help: "Oplog entries consumed by replay.",
		}, []string{"kind"}),
		nonDeterminism: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "replay", Name: "nondeterminism_total",
			Help: "Replays that diverged from the recorded oplog.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "retries_total",
			Help: "Failed invocation attempts that will be retried.",
		}, []string{"error"}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "status_transitions_total",
			Help: "Worker status transitions, by the status entered.",
		}, []string{"status"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transaction", Name: "recoveries_total",
			Help: "Remote transactions whose outcome was resolved during replay.",
		}, []string{"outcome"}),
	}
	for _, col := range []prometheus.Collector{
		c.entriesAdded, c.fallibleFailures, c.commits, c.commitLatency, c.replayed,
		c.nonDeterminism, c.retries, c.statusTransitions, c.recoveries,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// EntryAdded implements oplog.Observer.
func (c *Collector) EntryAdded(kind oplog.Kind) {
	c.entriesAdded.WithLabelValues(kind.String()).Inc()
}

// FallibleAddFailed implements oplog.Observer.
func (c *Collector) FallibleAddFailed(kind oplog.Kind) {
	c.fallibleFailures.WithLabelValues(kind.String()).Inc()
}

// Committed implements oplog.Observer.
func (c *Collector) Committed(entries int, elapsed time.Duration) {
	if entries == 0 {
		return
	}
	c.commits.Inc()
	c.commitLatency.Observe(elapsed.Seconds())
}

// EntryReplayed implements durability.ReplayObserver.
func (c *Collector) EntryReplayed(kind oplog.Kind) {
	c.replayed.WithLabelValues(kind.String()).Inc()
}

// NonDeterminism implements durability.ReplayObserver.
func (c *Collector) NonDeterminism() { c.nonDeterminism.Inc() }

// TransactionRecovered implements rdbms.RecoveryObserver.
func (c *Collector) TransactionRecovered(outcome string) {
	c.recoveries.WithLabelValues(outcome).Inc()
}

// WorkerRetried implements executor.Observer.
func (c *Collector) WorkerRetried(kind oplog.WorkerErrorKind) {
	c.retries.WithLabelValues(kind.String()).Inc()
}

// WorkerStatusChanged implements executor.Observer.
func (c *Collector) WorkerStatusChanged(_, to executor.Status) {
	c.statusTransitions.WithLabelValues(to.String()).Inc()
}

// Serve exposes the metrics gathered by g on addr at /metrics until ctx
// is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("serving metrics", "component", "metrics", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
