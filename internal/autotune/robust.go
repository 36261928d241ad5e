package autotune

import (
	"math"

	"github.com/montanaflynn/stats"
)

// DefaultMADFactor scales the median absolute deviation into a consistent
// estimator of the standard deviation under normality.
const DefaultMADFactor = 1.4826

// RobustScale returns median(|v - median(values)|) * factor, or 0 for no values.
func RobustScale(values []float64, factor float64) float64 {
	if len(values) == 0 {
		return 0.0
	}
	med := median(values)
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - med)
	}
	return median(dev) * factor
}

// median averages the two middle values for even-length input. values is not
// modified.
func median(values []float64) float64 {
	m, err := stats.Median(values)
	if err != nil {
		return 0.0
	}
	return m
}
