package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_flight_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	})

	tensorsShipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_flight_tensors_shipped_total",
		Help: "Quantized tensors sent to Longbow",
	})

	shipFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_flight_put_failures_total",
		Help: "Failed or rejected DoPut calls",
	})
)
