package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tokenVerificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kidstel_token_verifications_total",
		Help: "Token verification attempts by type (id_token, app_check, dev_client) and status.",
	},
	[]string{"type", "status"},
)
