package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var moderationDecisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kidstel_moderation_decisions_total",
		Help: "Keyword moderation decisions by result.",
	},
	[]string{"result"},
)
