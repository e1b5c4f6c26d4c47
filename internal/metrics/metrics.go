package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vipyrsec/dragonfly-mainframe/internal/store"
)

var (
	registerOnce sync.Once

	PackagesIngested prometheus.Counter
	PackagesSuccess  prometheus.Counter
	PackagesFail     prometheus.Counter
	PackagesReported prometheus.Counter

	JobRequests *prometheus.CounterVec
)

// QueueStats is the slice of the store the gauges read from.
type QueueStats interface {
	CountByStatus(ctx context.Context, status store.Status) (int64, error)
	OldestQueuedAge(ctx context.Context) (time.Duration, error)
}

func Register(stats QueueStats) {
	registerOnce.Do(func() {
		PackagesIngested = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mainframe",
			Name:      "packages_ingested_total",
			Help:      "Number of packages queued for scanning.",
		})
		PackagesSuccess = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mainframe",
			Name:      "packages_success_total",
			Help:      "Number of packages scanned successfully.",
		})
		PackagesFail = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mainframe",
			Name:      "packages_fail_total",
			Help:      "Number of packages whose scan failed.",
		})
		PackagesReported = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mainframe",
			Name:      "packages_reported_total",
			Help:      "Number of packages reported to the reporter service.",
		})
		JobRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mainframe",
			Name:      "job_requests_total",
			Help:      "Dispatch requests by outcome.",
		}, []string{"outcome"})

		prometheus.MustRegister(
			PackagesIngested,
			PackagesSuccess,
			PackagesFail,
			PackagesReported,
			JobRequests,
			newQueueGauge(stats, "queued_packages", "Packages waiting to be dispatched.", store.StatusQueued),
			newQueueGauge(stats, "pending_packages", "Packages currently leased to workers.", store.StatusPending),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "mainframe",
				Name:      "oldest_queued_package_age_seconds",
				Help:      "Age of the oldest queued package in seconds.",
			}, func() float64 {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				age, err := stats.OldestQueuedAge(ctx)
				if err != nil {
					return 0
				}
				return age.Seconds()
			}),
		)
	})
}

func newQueueGauge(stats QueueStats, name, help string, status store.Status) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "mainframe",
		Name:      name,
		Help:      help,
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		count, err := stats.CountByStatus(ctx, status)
		if err != nil {
			return 0
		}
		return float64(count)
	})
}
