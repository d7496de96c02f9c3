package cluster

import "math"

// silhouette returns the mean silhouette coefficient of the partition labels
// over points with pairwise distances dist. Labels must be contiguous ids
// starting at 0. ok is false when the score is undefined, i.e. when there are
// fewer than two clusters or as many clusters as points.
func silhouette(dist [][]float64, labels []int) (score float64, ok bool) {
	n := len(labels)
	k := 0
	for _, l := range labels {
		if l+1 > k {
			k = l + 1
		}
	}
	counts := make([]int, k)
	for _, l := range labels {
		counts[l]++
	}
	distinct := 0
	for _, c := range counts {
		if c > 0 {
			distinct++
		}
	}
	if distinct < 2 || distinct > n-1 {
		return 0, false
	}

	sums := make([]float64, k)
	var total float64
	for i := 0; i < n; i++ {
		for c := range sums {
			sums[c] = 0
		}
		for j := 0; j < n; j++ {
			if j != i {
				sums[labels[j]] += dist[i][j]
			}
		}

		own := labels[i]
		if counts[own] == 1 {
			continue // singleton coefficient is 0
		}
		a := sums[own] / float64(counts[own]-1)
		b := math.Inf(1)
		for c, cnt := range counts {
			if c == own || cnt == 0 {
				continue
			}
			if m := sums[c] / float64(cnt); m < b {
				b = m
			}
		}
		if den := math.Max(a, b); den > 0 {
			total += (b - a) / den
		}
	}
	return total / float64(n), true
}

// searchK scores the Ward partitions for k in [2, maxK] and returns the k
// with the highest silhouette score. A later k replaces the current best only
// with a strictly greater score, so ties go to the smaller k. found is false
// when no candidate could be scored.
func searchK(merges []merge, dist [][]float64, maxK int) (k int, score float64, found bool) {
	n := len(dist)
	best := -1.0
	for c := 2; c <= maxK && c <= n; c++ {
		s, ok := silhouette(dist, cut(merges, n, c))
		if !ok {
			continue
		}
		if s > best {
			best = s
			k = c
			found = true
		}
	}
	if !found {
		return 0, 0, false
	}
	return k, best, true
}
