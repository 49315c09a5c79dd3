package formulas

import (
	"math"
)

// CalculateSharpeRatio returns the annualized Sharpe ratio of the
// periodic returns, or nil when there are fewer than two returns or
// the standard deviation is zero.
//
//	Sharpe = (mean return - periodic risk-free rate) / stddev of returns
//	annualized by sqrt(periodsPerYear)
func CalculateSharpeRatio(returns []float64, riskFreeRate float64, periodsPerYear int) *float64 {
	if len(returns) < 2 || periodsPerYear <= 0 {
		return nil
	}

	stdDev := StdDev(returns)
	if stdDev == 0 {
		return nil
	}

	periodicRiskFree := riskFreeRate / float64(periodsPerYear)
	sharpe := (Mean(returns) - periodicRiskFree) / stdDev
	annualized := sharpe * math.Sqrt(float64(periodsPerYear))

	return &annualized
}

// CalculateSharpeFromPrices converts prices to daily returns and
// annualizes over 252 trading days.
func CalculateSharpeFromPrices(prices []float64, riskFreeRate float64) *float64 {
	if len(prices) < 2 {
		return nil
	}
	return CalculateSharpeRatio(CalculateReturns(prices), riskFreeRate, 252)
}
