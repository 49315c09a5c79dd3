// Package formulas provides indicator and statistics helpers used by the
// strategies, the market context provider, and the reporting jobs.
// Functions return nil when the input series is too short to compute.
package formulas

import (
	"github.com/markcheno/go-talib"
)

// CalculateRSI returns the current Relative Strength Index (0-100)
// over the given period, or nil if there is insufficient data.
func CalculateRSI(closes []float64, period int) *float64 {
	if len(closes) < period+1 {
		return nil
	}

	rsi := talib.Rsi(closes, period)
	return lastValid(rsi)
}

// CalculateSMA returns the current simple moving average over the period
func CalculateSMA(closes []float64, period int) *float64 {
	if len(closes) < period {
		return nil
	}

	sma := talib.Sma(closes, period)
	return lastValid(sma)
}

// CalculateEMA returns the current exponential moving average over the period
func CalculateEMA(closes []float64, period int) *float64 {
	if len(closes) < period {
		return nil
	}

	ema := talib.Ema(closes, period)
	return lastValid(ema)
}

// BollingerBands holds the current upper/middle/lower band values
type BollingerBands struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// CalculateBollinger returns the current Bollinger bands
// (period-SMA ± stdDevs standard deviations), or nil on short input.
func CalculateBollinger(closes []float64, period int, stdDevs float64) *BollingerBands {
	if len(closes) < period {
		return nil
	}

	upper, middle, lower := talib.BBands(closes, period, stdDevs, stdDevs, talib.SMA)

	u := lastValid(upper)
	m := lastValid(middle)
	l := lastValid(lower)
	if u == nil || m == nil || l == nil {
		return nil
	}

	return &BollingerBands{Upper: *u, Middle: *m, Lower: *l}
}

// CalculateVWAP returns the volume-weighted average price of the series.
// Entries with zero volume contribute nothing; nil when total volume is zero.
func CalculateVWAP(prices, volumes []float64) *float64 {
	n := len(prices)
	if n == 0 || len(volumes) < n {
		return nil
	}

	var weighted, totalVolume float64
	for i := 0; i < n; i++ {
		weighted += prices[i] * volumes[i]
		totalVolume += volumes[i]
	}

	if totalVolume <= 0 {
		return nil
	}

	vwap := weighted / totalVolume
	return &vwap
}

// CalculateATR returns the current Average True Range over the period
func CalculateATR(highs, lows, closes []float64, period int) *float64 {
	if len(closes) < period+1 || len(highs) != len(closes) || len(lows) != len(closes) {
		return nil
	}

	atr := talib.Atr(highs, lows, closes, period)
	return lastValid(atr)
}

// CalculateMACD returns the current MACD line value (12/26/9 when the
// usual periods are passed), or nil on short input.
func CalculateMACD(closes []float64, fast, slow, signal int) *float64 {
	if len(closes) < slow+signal {
		return nil
	}

	macd, _, _ := talib.Macd(closes, fast, slow, signal)
	return lastValid(macd)
}

// lastValid returns a pointer to the last non-NaN value of the series
func lastValid(series []float64) *float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !isNaN(series[i]) {
			v := series[i]
			return &v
		}
	}
	return nil
}

func isNaN(f float64) bool {
	return f != f
}
