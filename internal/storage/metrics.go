package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kidstel_illustration_uploads_total",
	Help: "Illustration uploads by result.",
}, []string{"result"})
