package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rateLimitDecisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kidstel_rate_limit_decisions_total",
		Help: "Per-minute rate limit decisions by scope (ip, uid) and result.",
	},
	[]string{"scope", "result"},
)
