// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_gateway_prediction_duration_seconds",
			Help:    "Total time taken for predictions in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 240, 300},
		},
		[]string{"model", "deployment_system"},
	)

	BackendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_gateway_backend_duration_seconds",
			Help:    "Time spent waiting on the model backend",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 240, 300},
		},
		[]string{"deployment_system", "payload_type"},
	)

	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_gateway_prediction_count_total",
			Help: "Total number of predictions processed",
		},
		[]string{"model", "deployment_system", "status"},
	)

	PayloadTypes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_gateway_payload_type_total",
			Help: "Responses per payload type",
		},
		[]string{"stage", "payload_type"},
	)

	OffloadedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_gateway_offloaded_bytes_total",
			Help: "Bytes streamed into object storage",
		},
		[]string{"deployment_system"},
	)

	OffloadedParts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_gateway_offloaded_parts",
			Help:    "Multipart parts per offloaded response",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 50, 100},
		},
		[]string{"deployment_system"},
	)

	MultipartAborts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_gateway_multipart_aborts_total",
			Help: "Multipart uploads abandoned after a failure",
		},
		[]string{"result"},
	)

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_gateway_rate_limit_decisions_total",
			Help: "Rate limit outcomes",
		},
		[]string{"decision"},
	)

	PipelineFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_gateway_pipeline_failures_total",
			Help: "Failed predictions per stage and error kind",
		},
		[]string{"stage", "kind", "code"},
	)

	InflightRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "model_gateway_inflight_requests",
			Help: "Current Inflight Requests",
		},
		[]string{"entity_id"},
	)

	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_gateway_error_count",
			Help: "Error count",
		},
		[]string{"model", "entity_id", "from"},
	)

	ResponseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_gateway_status_code",
			Help: "Status Codes",
		},
		[]string{"path", "status_code"},
	)
)
