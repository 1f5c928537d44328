package calibration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var storedScales = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "quiver_calibration_tensors",
	Help: "Number of tensors with a calibrated scale",
})
