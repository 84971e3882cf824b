package regime

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// peltMeanShift segments a series at mean shifts using the PELT algorithm
// (Killick et al., 2012): exact minimization of the penalized sum of
// per-segment squared-deviation costs, with pruning that keeps the search
// linear in practice. Returns the start indexes of every segment after the
// first, in ascending order.
func peltMeanShift(x []float64, penalty float64, minSize int) []int {
	n := len(x)
	if n < 2*minSize {
		return nil
	}

	// Prefix sums make the segment cost O(1):
	// cost(s, t) = sum(x^2) - sum(x)^2 / len over x[s:t].
	s1 := make([]float64, n+1)
	s2 := make([]float64, n+1)
	for i, v := range x {
		s1[i+1] = s1[i] + v
		s2[i+1] = s2[i] + v*v
	}
	cost := func(s, t int) float64 {
		length := float64(t - s)
		sum := s1[t] - s1[s]
		return s2[t] - s2[s] - sum*sum/length
	}

	f := make([]float64, n+1)
	prev := make([]int, n+1)
	f[0] = -penalty

	candidates := []int{0}
	for t := minSize; t <= n; t++ {
		bestCost := 0.0
		bestS := -1
		for _, s := range candidates {
			if t-s < minSize {
				continue
			}
			c := f[s] + cost(s, t) + penalty
			if bestS == -1 || c < bestCost {
				bestCost = c
				bestS = s
			}
		}
		if bestS == -1 {
			// Only candidates closer than minSize; extend the first segment.
			bestS = 0
			bestCost = f[0] + cost(0, t) + penalty
		}
		f[t] = bestCost
		prev[t] = bestS

		// PELT pruning: a candidate that cannot beat the current optimum
		// even without its penalty can never be optimal later.
		pruned := candidates[:0]
		for _, s := range candidates {
			if t-s < minSize || f[s]+cost(s, t) <= f[t] {
				pruned = append(pruned, s)
			}
		}
		candidates = append(pruned, t-minSize+1)
	}

	var breaks []int
	for t := n; t > 0; t = prev[t] {
		if prev[t] > 0 {
			breaks = append(breaks, prev[t])
		}
	}
	// Reverse into ascending order.
	for i, j := 0, len(breaks)-1; i < j; i, j = i+1, j-1 {
		breaks[i], breaks[j] = breaks[j], breaks[i]
	}
	return breaks
}

// defaultPenalty scales the changepoint penalty to the series: a BIC-style
// factor times the series variance times log(n).
func defaultPenalty(x []float64, factor float64) float64 {
	n := len(x)
	if n < 2 {
		return factor
	}
	variance := stat.Variance(x, nil)
	if variance <= 0 {
		variance = 1e-12
	}
	return factor * variance * math.Log(float64(n))
}
