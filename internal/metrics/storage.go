package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/golemexec/internal/oplog"
)

// StorageCollector reports the retained oplog of every worker in a storage,
// read at scrape time.
type StorageCollector struct {
	storage oplog.Storage
	timeout time.Duration

	workers  *prometheus.Desc
	retained *prometheus.Desc
	first    *prometheus.Desc
	last     *prometheus.Desc
}

var _ prometheus.Collector = (*StorageCollector)(nil)

// NewStorageCollector creates a collector over storage. Each scrape is
// bounded by timeout.
func NewStorageCollector(storage oplog.Storage, timeout time.Duration) *StorageCollector {
	return &StorageCollector{
		storage: storage,
		timeout: timeout,
		workers: prometheus.NewDesc(prometheus.BuildFQName(namespace, "oplog", "workers"),
			"Workers with a non-empty oplog.", nil, nil),
		retained: prometheus.NewDesc(prometheus.BuildFQName(namespace, "oplog", "retained_entries"),
			"Entries retained in the worker's oplog.", []string{"worker"}, nil),
		first: prometheus.NewDesc(prometheus.BuildFQName(namespace, "oplog", "first_index"),
			"First retained oplog index.", []string{"worker"}, nil),
		last: prometheus.NewDesc(prometheus.BuildFQName(namespace, "oplog", "last_index"),
			"Last stored oplog index.", []string{"worker"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StorageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.workers
	ch <- c.retained
	ch <- c.first
	ch <- c.last
}

// Collect implements prometheus.Collector.
func (c *StorageCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	workers, err := c.storage.Workers(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.workers, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(len(workers)))
	for _, w := range workers {
		first, last, err := c.storage.Bounds(ctx, w)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(c.retained, err)
			continue
		}
		retained := 0.0
		if first != oplog.None && last >= first {
			retained = float64(last - first + 1)
		}
		name := w.String()
		ch <- prometheus.MustNewConstMetric(c.retained, prometheus.GaugeValue, retained, name)
		ch <- prometheus.MustNewConstMetric(c.first, prometheus.GaugeValue, float64(first), name)
		ch <- prometheus.MustNewConstMetric(c.last, prometheus.GaugeValue, float64(last), name)
	}
}
