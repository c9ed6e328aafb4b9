package risk

import (
	"math"

	"github.com/Rajchodisetti/session-trader/internal/config"
)

// ClampBias forces env_bias into [0,1]. NaN and infinities collapse to 0.
func ClampBias(bias float64) float64 {
	switch {
	case math.IsNaN(bias), math.IsInf(bias, 0), bias < 0:
		return 0
	case bias > 1:
		return 1
	}
	return bias
}

// BudgetMultiplier is f(env_bias): the fraction of the per-trade budget that
// may be used. Bands are matched top-down on MinBias; a bias under the lowest
// band gets nothing. The result never exceeds the bias=1.0 multiplier.
func BudgetMultiplier(bias float64, cfg config.Risk) float64 {
	bias = ClampBias(bias)

	var mult float64
	switch cfg.ScalingMode {
	case "linear":
		mult = bias
	default:
		for _, b := range cfg.ScalingBands {
			if bias >= b.MinBias {
				mult = b.Multiplier
				break
			}
		}
	}

	if mult < 0 {
		return 0
	}
	if mult > 1 {
		return 1
	}
	return mult
}
