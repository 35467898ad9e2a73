package analytics

import "math"

// normCDF is the standard normal cumulative distribution via the error
// function.
func normCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}

// probAbove returns the risk-neutral probability that the underlying
// finishes above level at expiry: Phi(d) with
// d = (ln(S/level) + (r - sigma^2/2)T) / (sigma*sqrt(T)).
// Degenerate inputs collapse to the deterministic answer.
func probAbove(spot, level, r, sigma, tYears float64) float64 {
	if level <= 0 {
		return 1
	}
	if spot <= 0 {
		return 0
	}
	if tYears <= 0 || sigma <= 0 {
		if spot > level {
			return 1
		}
		return 0
	}
	d := (math.Log(spot/level) + (r-0.5*sigma*sigma)*tYears) / (sigma * math.Sqrt(tYears))
	return normCDF(d)
}
