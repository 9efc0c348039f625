// Package metrics exposes cycle, snapshot and transfer counters to prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raoulx24/zfs-archiver/internal/logging"
	"github.com/raoulx24/zfs-archiver/internal/snapshot"
)

const namespace = "zfs_archiver"

// Metrics implements the recorders of the retention, replication and
// orchestrator packages on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	created       *prometheus.CounterVec
	destroyed     *prometheus.CounterVec
	snapErrors    *prometheus.CounterVec
	transfers     *prometheus.CounterVec
	transferBytes prometheus.Counter
	cycleDuration prometheus.Histogram
	cycleDatasets prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		created: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_created_total",
				Help:      "snapshots taken, by tier",
			}, []string{"tier"}),
		destroyed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_destroyed_total",
				Help:      "snapshots pruned, by tier",
			}, []string{"tier"}),
		snapErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_errors_total",
				Help:      "failed snapshot operations, by operation",
			}, []string{"op"}),
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "replication transfers, by kind and result",
			}, []string{"kind", "result"}),
		transferBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_bytes_total",
				Help:      "bytes received by destinations",
			}),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "duration of a full cycle",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
			}),
		cycleDatasets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cycle_datasets",
				Help:      "datasets processed by the last cycle",
			}),
	}
	m.reg.MustRegister(
		m.created, m.destroyed, m.snapErrors,
		m.transfers, m.transferBytes,
		m.cycleDuration, m.cycleDatasets,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) SnapshotCreated(t snapshot.Tier) { m.created.WithLabelValues(string(t)).Inc() }
func (m *Metrics) SnapshotDestroyed(t snapshot.Tier) { m.destroyed.WithLabelValues(string(t)).Inc() }
func (m *Metrics) SnapshotFailed(op string) { m.snapErrors.WithLabelValues(op).Inc() }

func (m *Metrics) TransferDone(kind, result string, bytes int64) {
	m.transfers.WithLabelValues(kind, result).Inc()
	if bytes > 0 {
		m.transferBytes.Add(float64(bytes))
	}
}

func (m *Metrics) CycleDone(d time.Duration, datasets int) {
	m.cycleDuration.Observe(d.Seconds())
	m.cycleDatasets.Set(float64(datasets))
}

// Registry is exposed for tests and for registering extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve listens on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
