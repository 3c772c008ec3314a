package storage

import "sort"

// PickNearest returns the candidate whose timestamp is closest to target.
// Candidates must be supplied in stored order; on equal distance the first one wins,
// so the earlier observation is preferred.
func PickNearest(target int64, candidates ...Observation) (Observation, bool) {
	var (
		best  Observation
		found bool
		min   uint64
	)
	for _, c := range candidates {
		d := distance(c.Timestamp, target)
		if !found || d < min {
			best, min, found = c, d, true
		}
	}
	return best, found
}

// nearestSorted finds the nearest observation in a slice sorted in stored order
// by looking only at the two neighbours of target.
func nearestSorted(series []Observation, target int64) (Observation, bool) {
	n := len(series)
	above := sort.Search(n, func(i int) bool { return series[i].Timestamp > target })

	candidates := make([]Observation, 0, 2)
	if above > 0 {
		// earliest-inserted record sharing the closest timestamp at or below target
		ts := series[above-1].Timestamp
		first := sort.Search(n, func(i int) bool { return series[i].Timestamp >= ts })
		candidates = append(candidates, series[first])
	}
	if above < n {
		candidates = append(candidates, series[above])
	}
	return PickNearest(target, candidates...)
}

func distance(a, b int64) uint64 {
	if a >= b {
		return uint64(a) - uint64(b)
	}
	return uint64(b) - uint64(a)
}
