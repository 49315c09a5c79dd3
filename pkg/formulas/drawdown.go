package formulas

// DrawdownMetrics summarizes how far an equity series sits below its peak
type DrawdownMetrics struct {
	MaxDrawdown     float64 `json:"max_drawdown"`     // worst peak-to-trough, positive fraction (0.25 = 25%)
	CurrentDrawdown float64 `json:"current_drawdown"` // drawdown of the final value from the peak
	PeakValue       float64 `json:"peak_value"`
	CurrentValue    float64 `json:"current_value"`
}

// CalculateMaxDrawdown returns the maximum drawdown of the series as a
// positive fraction, or nil when fewer than two points are given.
func CalculateMaxDrawdown(values []float64) *float64 {
	if len(values) < 2 {
		return nil
	}

	maxDrawdown := 0.0
	peak := values[0]

	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (peak - v) / peak
			if dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}

	return &maxDrawdown
}

// CalculateDrawdownMetrics returns max and current drawdown together
func CalculateDrawdownMetrics(values []float64) *DrawdownMetrics {
	if len(values) < 2 {
		return nil
	}

	maxDrawdown := 0.0
	peak := values[0]
	current := values[len(values)-1]

	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (peak - v) / peak
			if dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}

	currentDrawdown := 0.0
	if peak > 0 {
		currentDrawdown = (peak - current) / peak
	}

	return &DrawdownMetrics{
		MaxDrawdown:     maxDrawdown,
		CurrentDrawdown: currentDrawdown,
		PeakValue:       peak,
		CurrentValue:    current,
	}
}
