package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidstel_pipeline_blocks_total",
			Help: "Requests short-circuited with an audited block reason.",
		},
		[]string{"route", "reason"},
	)

	generationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidstel_pipeline_generation_failures_total",
			Help: "Text generation failures surfaced to the client.",
		},
		[]string{"route"},
	)

	illustrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidstel_pipeline_illustrations_total",
			Help: "Illustrate outcomes: ok, inline fallback or degradation reason.",
		},
		[]string{"result"},
	)
)
