// Package metrics provides Prometheus instrumentation for the message
// pipeline. Every pipeline run lands in exactly one outcome counter and one
// latency histogram bucket; labels come from fixed vocabularies resolved
// through concurrent caches so the hot path never constructs label sets.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status label values for messagesTotal and processingSeconds.
const (
	StatusSuccess = "success"
	StatusIgnored = "ignored"
	StatusError   = "error"
)

var (
	// messagesTotal counts pipeline runs by outcome status and message type.
	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatapp_messages_total",
		Help: "Total chat messages processed",
	}, []string{"status", "message_type"})

	// processingSeconds records full-pipeline latency by outcome and type.
	processingSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatapp_message_processing_seconds",
		Help:    "Message pipeline processing time in seconds",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"status", "message_type"})

	// errorsTotal counts rejections and failures by reason.
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatapp_message_errors_total",
		Help: "Message pipeline errors by type",
	}, []string{"error_type"})

	// ConnectionsTotal tracks active WebSocket connections on this node.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatapp_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// BroadcastsTotal counts room broadcasts published by this node.
	BroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatapp_broadcasts_total",
		Help: "Total room broadcasts published",
	})
)

// Resolved label children are cached so repeated observations skip the vec's
// label hashing on the hot path.
var (
	counterCache   sync.Map // "status:type" -> prometheus.Counter
	histogramCache sync.Map // "status:type" -> prometheus.Observer
	errorCache     sync.Map // error_type    -> prometheus.Counter
)

func init() {
	prometheus.MustRegister(
		messagesTotal,
		processingSeconds,
		errorsTotal,
		ConnectionsTotal,
		BroadcastsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func messageCounter(status, messageType string) prometheus.Counter {
	key := status + ":" + messageType
	if c, ok := counterCache.Load(key); ok {
		return c.(prometheus.Counter)
	}
	c, _ := counterCache.LoadOrStore(key, messagesTotal.WithLabelValues(status, messageType))
	return c.(prometheus.Counter)
}

func processingObserver(status, messageType string) prometheus.Observer {
	key := status + ":" + messageType
	if o, ok := histogramCache.Load(key); ok {
		return o.(prometheus.Observer)
	}
	o, _ := histogramCache.LoadOrStore(key, processingSeconds.WithLabelValues(status, messageType))
	return o.(prometheus.Observer)
}

func errorCounter(errorType string) prometheus.Counter {
	if c, ok := errorCache.Load(errorType); ok {
		return c.(prometheus.Counter)
	}
	c, _ := errorCache.LoadOrStore(errorType, errorsTotal.WithLabelValues(errorType))
	return c.(prometheus.Counter)
}

// RecordMessage increments the outcome counter for one pipeline run.
func RecordMessage(status, messageType string) {
	messageCounter(status, messageType).Inc()
}

// RecordError increments the error-type counter.
func RecordError(errorType string) {
	errorCounter(errorType).Inc()
}

// ObserveProcessing records the latency of one pipeline run.
func ObserveProcessing(status, messageType string, elapsed time.Duration) {
	processingObserver(status, messageType).Observe(elapsed.Seconds())
}
