package notifier

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsCollector holds the prometheus instruments for the arrival
// notifier, registered on a private registry served by the web service.
type metricsCollector struct {
	reg *prometheus.Registry

	StoreConnected prometheus.Gauge
	ProbeFailures  prometheus.Counter
	Reconnects     prometheus.Counter

	NotificationsFired      *prometheus.CounterVec // kind label
	NotificationsSuppressed prometheus.Counter
	DeliveryErrors          prometheus.Counter

	StopUpdatesApplied prometheus.Counter
	MalformedRecords   prometheus.Counter

	ActiveListeners *prometheus.GaugeVec // tier label
}

// makeMetricsCollector builds and registers the notifier instruments
func makeMetricsCollector() *metricsCollector {
	reg := prometheus.NewRegistry()

	c := &metricsCollector{
		reg: reg,
		StoreConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notifier_store_connected",
			Help: "1 if the store connectivity probe is passing, 0 otherwise.",
		}),
		ProbeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifier_probe_failures_total",
			Help: "Total failed store connectivity probes.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifier_reconnect_attempts_total",
			Help: "Total transport reconnection attempts.",
		}),
		NotificationsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifier_notifications_fired_total",
			Help: "Total notifications handed to the delivery service.",
		}, []string{"kind"}),
		NotificationsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifier_notifications_suppressed_total",
			Help: "Total notifications suppressed by the daily dedup map.",
		}),
		DeliveryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifier_delivery_errors_total",
			Help: "Total notification delivery failures.",
		}),
		StopUpdatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifier_stop_updates_applied_total",
			Help: "Total stop state updates merged into the ledger.",
		}),
		MalformedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifier_malformed_records_total",
			Help: "Total records skipped because they failed validation.",
		}),
		ActiveListeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notifier_active_listeners",
			Help: "Currently active subscriptions by tier.",
		}, []string{"tier"}),
	}

	reg.MustRegister(
		c.StoreConnected, c.ProbeFailures, c.Reconnects,
		c.NotificationsFired, c.NotificationsSuppressed, c.DeliveryErrors,
		c.StopUpdatesApplied, c.MalformedRecords,
		c.ActiveListeners,
	)

	return c
}

// handler returns the http handler serving the private registry
func (c *metricsCollector) handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}
