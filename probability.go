package ohm

import (
	"math"
)

// Log-odds occupancy arithmetic. Probabilities compose by adding their
// log-odds values, saturating at the map's configured bounds.

// ProbabilityToValue converts a probability in (0, 1) to log-odds.
func ProbabilityToValue(probability float64) float32 {
	return float32(math.Log(probability / (1.0 - probability)))
}

// ValueToProbability converts a log-odds value back to a probability.
func ValueToProbability(value float32) float64 {
	e := math.Exp(float64(value))
	return e / (1.0 + e)
}

// clampValue saturates a log-odds value to [minValue, maxValue].
func clampValue(value, minValue, maxValue float32) float32 {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}
	return value
}
