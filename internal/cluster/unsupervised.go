package cluster

// Cluster labels each embedding with a speaker "speaker_<id>". The returned
// Labels slice has the same length and order as embeddings.
//
// With fewer than two present embeddings, or when every pair of standardized
// embeddings is closer than the distance threshold, all segments get
// "speaker_0". Otherwise the cluster count is chosen among 2..MaxSpeakers by
// silhouette score and missing embeddings receive the most frequent label
// (lowest id on ties).
//
// An error is returned only for malformed input: mixed dimensions or
// non-finite values.
func (e *Engine) Cluster(embeddings []Embedding) (*Result, error) {
	if _, err := checkShape(embeddings, e.cfg.Dimension); err != nil {
		return nil, err
	}

	res := &Result{Labels: make([]string, len(embeddings))}
	if len(embeddings) == 0 {
		return res, nil
	}

	valid := make([]int, 0, len(embeddings))
	rows := make([]Embedding, 0, len(embeddings))
	for i, emb := range embeddings {
		if !emb.Missing() {
			valid = append(valid, i)
			rows = append(rows, emb)
		}
	}
	res.Valid = len(valid)
	res.Clusters = 1

	if len(valid) < 2 {
		fill(res.Labels, speakerLabel(0))
		return res, nil
	}

	dist, maxDist := pairwise(standardize(rows))
	res.MaxDistance = maxDist
	if maxDist < e.cfg.DistanceThreshold {
		fill(res.Labels, speakerLabel(0))
		return res, nil
	}

	merges := wardLinkage(dist)
	n := len(rows)
	k := 2
	if best, score, ok := searchK(merges, dist, min(e.cfg.MaxSpeakers, n-1)); ok {
		k = best
		res.Score = score
		res.Scored = true
	}

	assign := cut(merges, n, k)
	res.Clusters = k

	for vi, idx := range valid {
		res.Labels[idx] = speakerLabel(assign[vi])
	}
	fallback := speakerLabel(majority(assign, k))
	for i, emb := range embeddings {
		if emb.Missing() {
			res.Labels[i] = fallback
		}
	}
	return res, nil
}

// majority returns the most frequent id in assign, preferring the lowest id
// on ties.
func majority(assign []int, k int) int {
	counts := make([]int, k)
	for _, id := range assign {
		counts[id]++
	}
	best := 0
	for id, c := range counts {
		if c > counts[best] {
			best = id
		}
	}
	return best
}
