package cluster

import (
	"math"
	"sort"
)

// merge joins the clusters held in slots a and b (a < b) at the given Ward
// height. The merged cluster takes slot b.
type merge struct {
	a, b   int
	height float64
}

// wardLinkage builds the Ward hierarchy over n points from their pairwise
// Euclidean distances using the nearest-neighbour chain algorithm. The
// returned n-1 merges are ordered by ascending height; ties keep the order
// in which they were found.
func wardLinkage(dist [][]float64) []merge {
	n := len(dist)
	if n < 2 {
		return nil
	}

	d := make([][]float64, n)
	for i := range dist {
		d[i] = append([]float64(nil), dist[i]...)
	}
	size := make([]int, n)
	active := make([]bool, n)
	for i := range size {
		size[i] = 1
		active[i] = true
	}

	merges := make([]merge, 0, n-1)
	chain := make([]int, 0, n)

	for len(merges) < n-1 {
		if len(chain) == 0 {
			for i, ok := range active {
				if ok {
					chain = append(chain, i)
					break
				}
			}
		}

		var x, y int
		var best float64
		for {
			x = chain[len(chain)-1]
			// Preferring the previous chain element on ties guarantees the
			// chain terminates on a reciprocal pair.
			if len(chain) > 1 {
				y = chain[len(chain)-2]
				best = d[x][y]
			} else {
				y = -1
				best = math.Inf(1)
			}
			for i := 0; i < n; i++ {
				if !active[i] || i == x {
					continue
				}
				if d[x][i] < best {
					best = d[x][i]
					y = i
				}
			}
			if len(chain) > 1 && y == chain[len(chain)-2] {
				break
			}
			chain = append(chain, y)
		}
		chain = chain[:len(chain)-2]

		if x > y {
			x, y = y, x
		}
		merges = append(merges, merge{a: x, b: y, height: best})

		nx, ny := float64(size[x]), float64(size[y])
		active[x] = false
		for i := 0; i < n; i++ {
			if !active[i] || i == y {
				continue
			}
			ni := float64(size[i])
			v := ((ni+nx)*d[x][i]*d[x][i] + (ni+ny)*d[y][i]*d[y][i] - ni*best*best) / (nx + ny + ni)
			if v < 0 {
				v = 0
			}
			v = math.Sqrt(v)
			d[y][i] = v
			d[i][y] = v
		}
		size[y] += size[x]
		size[x] = 0
	}

	sort.SliceStable(merges, func(i, j int) bool { return merges[i].height < merges[j].height })
	return merges
}

// cut partitions n points into k clusters by applying the lowest n-k merges.
// Cluster ids are numbered in order of first appearance, so point 0 is
// always in cluster 0.
func cut(merges []merge, n, k int) []int {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}

	steps := n - k
	if steps > len(merges) {
		steps = len(merges)
	}
	for _, m := range merges[:max(steps, 0)] {
		ra, rb := find(m.a), find(m.b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	ids := make(map[int]int)
	labels := make([]int, n)
	for i := range labels {
		root := find(i)
		id, ok := ids[root]
		if !ok {
			id = len(ids)
			ids[root] = id
		}
		labels[i] = id
	}
	return labels
}
