package quantize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	quantizeCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_quantize_total",
		Help: "Total number of successful tensor quantizations",
	}, []string{"path"})

	quantizeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_quantize_duration_seconds",
		Help:    "Time spent quantizing a tensor",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"path"})

	quantizeElements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_quantize_elements_total",
		Help: "Total number of elements quantized",
	}, []string{"path"})

	zeroTensors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_quantize_zero_tensors_total",
		Help: "Number of all-zero tensors short-circuited to scale 1",
	})

	clampedTensors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_quantize_clamped_total",
		Help: "Number of quantizations that reused a larger prior scale and saturated to [-127, 127]",
	})

	quantizeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_quantize_errors_total",
		Help: "Number of failed quantizations by reason",
	}, []string{"reason"})
)
