package handler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidstel_story_requests_total",
			Help: "Story agent requests by route and response status.",
		},
		[]string{"route", "status"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidstel_story_errors_total",
			Help: "Structured error responses by route and code.",
		},
		[]string{"route", "code"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kidstel_story_request_duration_seconds",
			Help:    "Pipeline duration per route, including generation.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 60},
		},
		[]string{"route"},
	)
)
