package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "plugapi_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	pluginsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plugapi_plugins_loaded",
			Help: "Number of registered plugins",
		},
	)

	endpointsBound = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plugapi_endpoints_bound",
			Help: "Number of endpoints served by the dispatcher",
		},
	)

	loadFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugapi_plugin_load_failures_total",
			Help: "Plugin modules that failed to load or normalize",
		},
		[]string{"kind"},
	)

	reloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugapi_plugin_reloads_total",
			Help: "Plugin reload attempts",
		},
		[]string{"result"},
	)

	pluginRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugapi_plugin_requests_total",
			Help: "Number of plugin handler invocations",
		},
		[]string{"plugin", "method", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plugapi_request_duration_seconds",
			Help:    "Plugin handler duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"plugin"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, pluginsLoaded, endpointsBound, loadFailures, reloads, pluginRequests, requestDuration)
}

// SetServerBuildInfo sets the build info metric for the server.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetPluginsLoaded sets the registered plugin gauge.
func SetPluginsLoaded(n int) { pluginsLoaded.Set(float64(n)) }

// SetEndpointsBound sets the bound endpoint gauge.
func SetEndpointsBound(n int) { endpointsBound.Set(float64(n)) }

// RecordLoadFailure counts a module that produced no registration.
// kind is "load" or "normalize".
func RecordLoadFailure(kind string) {
	loadFailures.WithLabelValues(kind).Inc()
}

// RecordReload counts a reload attempt.
func RecordReload(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	reloads.WithLabelValues(result).Inc()
}

// RecordPluginRequest increments the handler counter. outcome is one of
// "success", "error" or "written".
func RecordPluginRequest(plugin, method, outcome string) {
	pluginRequests.WithLabelValues(plugin, method, outcome).Inc()
}

// ObserveRequestDuration records the duration of a handler call.
func ObserveRequestDuration(plugin string, d time.Duration) {
	requestDuration.WithLabelValues(plugin).Observe(d.Seconds())
}
