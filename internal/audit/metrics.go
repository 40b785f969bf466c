package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kidstel_audit_events_total",
	Help: "Audit events by sink and status.",
}, []string{"sink", "status"})
