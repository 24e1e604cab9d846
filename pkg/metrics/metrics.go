package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Zone/broker metrics
	ZonesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pubsub_zones_total",
			Help: "Total number of zones with a live primary",
		},
	)

	BrokerIsPrimary = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pubsub_broker_is_primary",
			Help: "Whether this broker currently holds zone leadership (1 = primary, 0 = backup)",
		},
		[]string{"zone"},
	)

	ElectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_elections_total",
			Help: "Total number of leader elections entered, by zone",
		},
		[]string{"zone"},
	)

	ElectionWinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_election_wins_total",
			Help: "Total number of leader elections won, by zone",
		},
		[]string{"zone"},
	)

	// Registry metrics
	PublishersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pubsub_publishers_total",
			Help: "Registered publishers, by zone",
		},
		[]string{"zone"},
	)

	SubscribersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pubsub_subscribers_total",
			Help: "Registered subscribers, by zone",
		},
		[]string{"zone"},
	)

	CurrentLoad = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pubsub_current_load",
			Help: "Aggregate (publishers + subscribers) / zones load value",
		},
	)

	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_registrations_total",
			Help: "Total registration requests handled, by role and result",
		},
		[]string{"role", "result"},
	)

	DisconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_disconnects_total",
			Help: "Total disconnect requests handled, by role",
		},
		[]string{"role"},
	)

	DominanceRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_dominance_rejections_total",
			Help: "Total publisher/subscriber matches skipped because offered < requested",
		},
	)

	// Dissemination metrics
	EventsForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_events_forwarded_total",
			Help: "Total events forwarded by a centralized broker, by topic",
		},
		[]string{"topic"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_events_published_total",
			Help: "Total events emitted by a publisher, by topic",
		},
		[]string{"topic"},
	)

	EventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_events_received_total",
			Help: "Total events recorded by a subscriber, by topic",
		},
		[]string{"topic"},
	)

	ReceiveLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pubsub_receive_latency_seconds",
			Help:    "Time from publish_time to subscriber receipt, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconfiguration metrics
	PrimarySwitchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_primary_switches_total",
			Help: "Total primary-node CHANGED reconfigurations handled by clients, by role",
		},
		[]string{"role"},
	)

	AutoscaleEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_autoscale_events_total",
			Help: "Total zones spun up by the backup pool due to load threshold violations",
		},
	)

	PromotionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_promotions_total",
			Help: "Total backup promotions issued by the backup pool when it spins up a new zone",
		},
	)

	DemotionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_demotions_total",
			Help: "Total primary demotions issued by the load balancer",
		},
	)

	RegistrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pubsub_registration_duration_seconds",
			Help:    "Time taken to handle a registration request, by role",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role"},
	)

	CoordWatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pubsub_coord_watch_cycle_seconds",
			Help:    "Time taken to process one children-watch reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		ZonesTotal,
		BrokerIsPrimary,
		ElectionsTotal,
		ElectionWinsTotal,
		PublishersTotal,
		SubscribersTotal,
		CurrentLoad,
		RegistrationsTotal,
		DisconnectsTotal,
		DominanceRejectionsTotal,
		EventsForwardedTotal,
		EventsPublishedTotal,
		EventsReceivedTotal,
		ReceiveLatency,
		PrimarySwitchesTotal,
		AutoscaleEventsTotal,
		PromotionsTotal,
		DemotionsTotal,
		RegistrationDuration,
		CoordWatchDuration,
	)
}

// Handler returns the Prometheus HTTP handler, served by every role's /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
