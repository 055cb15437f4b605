// Package metrics provides Prometheus instrumentation for the connection
// manager. It exposes gauges for connection and listener counts and work
// queue depth, counters for bytes, errors and dispatches, and a histogram
// for poll-wait latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveConnections tracks the current number of managed connections.
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conmgr_active_connections",
		Help: "Current number of managed connections",
	})

	// ActiveListeners tracks the current number of listening sockets.
	ActiveListeners = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conmgr_active_listeners",
		Help: "Current number of listening sockets",
	})

	// BytesTotal counts bytes moved through connections, labeled by
	// direction: "read" or "written".
	BytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conmgr_bytes_total",
		Help: "Total bytes moved through managed connections",
	}, []string{"direction"}) // direction = "read", "written"

	// TransportErrorsTotal counts read and write errors that closed a side
	// of a connection, labeled by side: "read" or "write". Poll errors are
	// not counted.
	TransportErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conmgr_transport_errors_total",
		Help: "Total transport errors that closed a connection",
	}, []string{"side"}) // side = "read", "write"

	// WorkQueueDepth holds the length of the work queue of the connection
	// that most recently queued data work, sampled at that moment. It is
	// not a total across connections.
	WorkQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conmgr_work_queue_depth",
		Help: "Work queue length of the connection that most recently queued data work",
	})

	// WorkDispatchedTotal counts callback dispatches, labeled by kind:
	// "data" (Raw data and Rpc frame pumping alike), "write_complete",
	// "close", "signal".
	WorkDispatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conmgr_work_dispatched_total",
		Help: "Total callback dispatches",
	}, []string{"kind"})

	// PollWaitDuration records time spent blocked in the poll
	// controller's Wait call, in seconds.
	PollWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "conmgr_poll_wait_seconds",
		Help:    "Time spent blocked in the poll controller's Wait call",
		Buckets: []float64{.0001, .001, .005, .01, .05, .1, .5, 1, 5},
	})
)

func init() {
	prometheus.MustRegister(
		ActiveConnections,
		ActiveListeners,
		BytesTotal,
		TransportErrorsTotal,
		WorkQueueDepth,
		WorkDispatchedTotal,
		PollWaitDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
