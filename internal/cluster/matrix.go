package cluster

import "math"

// standardize centers each column of rows to zero mean and scales it to unit
// (population) variance. Constant columns are centered but not scaled, so
// they contribute nothing to distances.
func standardize(rows []Embedding) [][]float64 {
	n := len(rows)
	if n == 0 {
		return nil
	}
	dim := len(rows[0])

	mean := make([]float64, dim)
	for _, r := range rows {
		for j, v := range r {
			mean[j] += float64(v)
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}

	scale := make([]float64, dim)
	for _, r := range rows {
		for j, v := range r {
			d := float64(v) - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		variance := scale[j] / float64(n)
		if constantColumn(variance, mean[j], n) {
			scale[j] = 1
			continue
		}
		scale[j] = math.Sqrt(variance)
	}

	out := make([][]float64, n)
	for i, r := range rows {
		row := make([]float64, dim)
		for j, v := range r {
			row[j] = (float64(v) - mean[j]) / scale[j]
		}
		out[i] = row
	}
	return out
}

// constantColumn reports whether a column's variance is indistinguishable
// from rounding error in the mean computation.
func constantColumn(variance, mean float64, n int) bool {
	const eps = 2.220446049250313e-16
	nf := float64(n)
	bound := nf*eps*variance + (nf*mean*eps)*(nf*mean*eps)
	return variance <= bound
}

// pairwise returns the symmetric matrix of Euclidean distances between rows
// and the largest entry.
func pairwise(rows [][]float64) ([][]float64, float64) {
	n := len(rows)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	var maxDist float64
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			var sum float64
			a, b := rows[i], rows[j]
			for k := range a {
				d := a[k] - b[k]
				sum += d * d
			}
			d := math.Sqrt(sum)
			dist[i][j] = d
			dist[j][i] = d
			if d > maxDist {
				maxDist = d
			}
		}
	}
	return dist, maxDist
}

// cosine returns the cosine similarity of a and b, or 0 if either is a zero
// vector.
func cosine(a, b Embedding) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
