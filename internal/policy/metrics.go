package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidstel_policy_loads_total",
			Help: "Policy lookups by source and outcome (cache_hit, loaded, error).",
		},
		[]string{"source", "status"},
	)

	policyGenerationEnabled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kidstel_policy_generation_enabled",
		Help: "1 when the last loaded policy enables story generation.",
	})
)
