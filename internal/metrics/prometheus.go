package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "turnover"

// Metrics holds all prometheus metrics
type Metrics struct {
	Registry prometheus.Gatherer

	FeedEventsParsed  *prometheus.CounterVec
	FeedEventsSkipped *prometheus.CounterVec
	FeedFetchFailures *prometheus.CounterVec
	FeedFetchDuration prometheus.Histogram
	CachedBookings    *prometheus.GaugeVec

	StatusUpdates       *prometheus.CounterVec
	PendingTasks        prometheus.Gauge
	PersistenceFailures prometheus.Counter

	AlertsScheduled prometheus.Counter
	AlertsSkipped   *prometheus.CounterVec
	NotifierErrors  *prometheus.CounterVec

	TasksCreated prometheus.Counter
}

// New creates metrics registered on reg. A nil reg gets a private registry,
// which keeps tests and multiple engines from colliding on the default one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		FeedEventsParsed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_parsed_total",
			Help:      "Calendar events turned into bookings",
		}, []string{"platform"}),
		FeedEventsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_skipped_total",
			Help:      "Calendar events skipped for missing or malformed fields",
		}, []string{"platform"}),
		FeedFetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_fetch_failures_total",
			Help:      "Feed fetches that contributed zero bookings",
		}, []string{"platform"}),
		FeedFetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feed_fetch_duration_seconds",
			Help:      "Time taken to fetch one feed",
			Buckets:   prometheus.DefBuckets,
		}),
		CachedBookings: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_bookings",
			Help:      "Bookings held in the aggregator cache per property",
		}, []string{"property"}),
		StatusUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_updates_total",
			Help:      "Cleaning status writes by resulting status",
		}, []string{"status"}),
		PendingTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_tasks",
			Help:      "Cleaning tasks in todo or in progress",
		}),
		PersistenceFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Durable writes of the status store that failed",
		}),
		AlertsScheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_scheduled_total",
			Help:      "Cleaning alerts handed to the notifier",
		}),
		AlertsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_skipped_total",
			Help:      "Cleaning alerts not scheduled",
		}, []string{"reason"}),
		NotifierErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifier_errors_total",
			Help:      "Notifier calls that failed",
		}, []string{"operation"}),
		TasksCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Cleaning tasks seeded by the auto-task generator",
		}),
	}
}
