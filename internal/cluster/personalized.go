package cluster

import (
	"fmt"
	"math"
)

// Summary describes a set of similarity scores.
type Summary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

func (s *Summary) add(v float64) {
	if s.Count == 0 || v < s.Min {
		s.Min = v
	}
	if s.Count == 0 || v > s.Max {
		s.Max = v
	}
	// running mean
	s.Count++
	s.Mean += (v - s.Mean) / float64(s.Count)
}

// SimilarityStats summarizes the cosine similarities computed against the
// reference embedding in personalized mode. Suspect is set when an unusually
// large share of the scores sit near the threshold, which points at a
// miscalibrated threshold or a poor reference recording.
type SimilarityStats struct {
	Threshold     float64 `json:"threshold"`
	All           Summary `json:"all"`
	You           Summary `json:"you"`
	Other         Summary `json:"other"`
	NearThreshold int     `json:"near_threshold"`
	Suspect       bool    `json:"suspect"`
}

// ClusterPersonalized labels each embedding "YOU" when its cosine similarity
// to reference is at least threshold and otherwise sub-clusters the rest into
// "OTHER" (one cluster) or "OTHER_<id>" (several). Missing embeddings are
// labelled "YOU".
//
// The reference must be present, finite, and of the same dimension as the
// segment embeddings (and of Config.Dimension when set); otherwise the call
// is rejected before any computation.
func (e *Engine) ClusterPersonalized(embeddings []Embedding, reference Embedding, threshold float64) (*Result, error) {
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold)
	}
	if reference.Missing() {
		return nil, fmt.Errorf("%w: reference embedding is empty", ErrDimensionMismatch)
	}
	if e.cfg.Dimension > 0 && len(reference) != e.cfg.Dimension {
		return nil, fmt.Errorf("%w: reference has %d components, want %d", ErrDimensionMismatch, len(reference), e.cfg.Dimension)
	}
	if !finite(reference) {
		return nil, fmt.Errorf("%w: reference", ErrInvalidEmbedding)
	}
	if _, err := checkShape(embeddings, len(reference)); err != nil {
		return nil, err
	}

	stats := &SimilarityStats{Threshold: threshold}
	res := &Result{
		Labels:     make([]string, len(embeddings)),
		Similarity: stats,
	}

	var pending []int
	for i, emb := range embeddings {
		if emb.Missing() {
			res.Labels[i] = LabelYou
			continue
		}
		res.Valid++
		sim := cosine(emb, reference)
		stats.All.add(sim)
		if math.Abs(sim-threshold) < e.cfg.NearThresholdBand {
			stats.NearThreshold++
		}
		if sim >= threshold {
			res.Labels[i] = LabelYou
			stats.You.add(sim)
			continue
		}
		stats.Other.add(sim)
		pending = append(pending, i)
	}
	stats.Suspect = stats.All.Count > 0 &&
		float64(stats.NearThreshold) > e.cfg.NearThresholdRatio*float64(stats.All.Count)

	switch len(pending) {
	case 0:
		return res, nil
	case 1:
		res.Labels[pending[0]] = LabelOther
		res.Clusters = 1
		return res, nil
	}

	rows := make([]Embedding, len(pending))
	for i, idx := range pending {
		rows[i] = embeddings[idx]
	}
	assign, k := e.clusterOthers(rows, res)
	res.Clusters = k
	for i, idx := range pending {
		if k == 1 {
			res.Labels[idx] = LabelOther
		} else {
			res.Labels[idx] = otherLabel(assign[i])
		}
	}
	return res, nil
}

// clusterOthers partitions the non-YOU embeddings. A multi-cluster partition
// is kept only if its silhouette score clears the gate; otherwise everything
// is one OTHER cluster.
func (e *Engine) clusterOthers(rows []Embedding, res *Result) ([]int, int) {
	n := len(rows)
	dist, maxDist := pairwise(standardize(rows))
	res.MaxDistance = maxDist
	if maxDist < e.cfg.DistanceThreshold {
		return nil, 1
	}

	merges := wardLinkage(dist)
	k, score, ok := searchK(merges, dist, min(e.cfg.MaxOtherSpeakers, n-1))
	if !ok {
		return nil, 1
	}
	res.Score = score
	res.Scored = true
	if score <= *e.cfg.SilhouetteGate {
		return nil, 1
	}
	return cut(merges, n, k), k
}
