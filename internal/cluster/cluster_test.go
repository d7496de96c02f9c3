package cluster

import (
	"errors"
	"math"
	"reflect"
	"testing"
)

const testDim = 512

// voice returns a deterministic embedding for speaker s. Speakers differ in
// every component; p selects a small per-sample perturbation.
func voice(s, p int) Embedding {
	v := make(Embedding, testDim)
	for j := range v {
		base := 10*float64(s) + float64((j*(2*s+1))%7)
		noise := 0.001 * float64((p*31+j*17)%13-6)
		v[j] = float32(base + noise)
	}
	return v
}

// countLabels returns label -> occurrences.
func countLabels(labels []string) map[string]int {
	m := make(map[string]int)
	for _, l := range labels {
		m[l]++
	}
	return m
}

func newTestEngine() *Engine {
	return New(DefaultConfig())
}

func TestNewDefaults(t *testing.T) {
	e := New(Config{})
	cfg := e.Config()
	if cfg.DistanceThreshold != DefaultDistanceThreshold {
		t.Errorf("DistanceThreshold = %v, want %v", cfg.DistanceThreshold, DefaultDistanceThreshold)
	}
	if cfg.MaxSpeakers != DefaultMaxSpeakers {
		t.Errorf("MaxSpeakers = %d, want %d", cfg.MaxSpeakers, DefaultMaxSpeakers)
	}
	if cfg.MaxOtherSpeakers != DefaultMaxOtherSpeakers {
		t.Errorf("MaxOtherSpeakers = %d, want %d", cfg.MaxOtherSpeakers, DefaultMaxOtherSpeakers)
	}
	if cfg.SilhouetteGate == nil || *cfg.SilhouetteGate != DefaultSilhouetteGate {
		t.Errorf("SilhouetteGate = %v, want %v", cfg.SilhouetteGate, DefaultSilhouetteGate)
	}

	custom := New(Config{DistanceThreshold: 7, MaxSpeakers: 3}).Config()
	if custom.DistanceThreshold != 7 || custom.MaxSpeakers != 3 {
		t.Errorf("custom values not kept: %+v", custom)
	}

	for _, gate := range []float64{0, -0.5} {
		got := New(Config{SilhouetteGate: Float(gate)}).Config().SilhouetteGate
		if got == nil || *got != gate {
			t.Errorf("SilhouetteGate %v not kept, got %v", gate, got)
		}
	}
}

func TestCluster_Empty(t *testing.T) {
	res, err := newTestEngine().Cluster(nil)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if len(res.Labels) != 0 {
		t.Errorf("len(Labels) = %d, want 0", len(res.Labels))
	}
}

func TestCluster_Single(t *testing.T) {
	for _, emb := range []Embedding{voice(0, 0), nil} {
		res, err := newTestEngine().Cluster([]Embedding{emb})
		if err != nil {
			t.Fatalf("Cluster: %v", err)
		}
		if !reflect.DeepEqual(res.Labels, []string{"speaker_0"}) {
			t.Errorf("Labels = %v, want [speaker_0]", res.Labels)
		}
	}
}

func TestCluster_OneValidAmongMissing(t *testing.T) {
	res, err := newTestEngine().Cluster([]Embedding{nil, voice(2, 0), nil})
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	want := []string{"speaker_0", "speaker_0", "speaker_0"}
	if !reflect.DeepEqual(res.Labels, want) {
		t.Errorf("Labels = %v, want %v", res.Labels, want)
	}
	if res.Valid != 1 {
		t.Errorf("Valid = %d, want 1", res.Valid)
	}
}

// Scenario A: near-identical embeddings collapse to one speaker.
func TestCluster_IdenticalEmbeddings(t *testing.T) {
	t.Run("identical", func(t *testing.T) {
		embs := make([]Embedding, 5)
		for i := range embs {
			embs[i] = voice(1, 0)
		}
		res, err := newTestEngine().Cluster(embs)
		if err != nil {
			t.Fatalf("Cluster: %v", err)
		}
		for i, l := range res.Labels {
			if l != "speaker_0" {
				t.Errorf("Labels[%d] = %q, want speaker_0", i, l)
			}
		}
		if res.MaxDistance != 0 {
			t.Errorf("MaxDistance = %v, want 0", res.MaxDistance)
		}
	})

	t.Run("few_components_differ", func(t *testing.T) {
		embs := make([]Embedding, 5)
		for i := range embs {
			embs[i] = voice(1, 0)
			embs[i][3] += float32(i) * 1e-3
			embs[i][100] -= float32(i%2) * 1e-3
		}
		res, err := newTestEngine().Cluster(embs)
		if err != nil {
			t.Fatalf("Cluster: %v", err)
		}
		if got := countLabels(res.Labels); got["speaker_0"] != 5 {
			t.Errorf("labels = %v, want 5x speaker_0", got)
		}
		if res.Clusters != 1 {
			t.Errorf("Clusters = %d, want 1", res.Clusters)
		}
	})
}

// Scenario B: two well-separated groups of three.
func TestCluster_TwoSpeakers(t *testing.T) {
	embs := []Embedding{
		voice(0, 0), voice(0, 1), voice(0, 2),
		voice(1, 0), voice(1, 1), voice(1, 2),
	}
	res, err := newTestEngine().Cluster(embs)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	counts := countLabels(res.Labels)
	if len(counts) != 2 {
		t.Fatalf("distinct labels = %v, want 2", counts)
	}
	for l, c := range counts {
		if c != 3 {
			t.Errorf("label %q covers %d segments, want 3", l, c)
		}
	}
	if res.Labels[0] != res.Labels[1] || res.Labels[0] != res.Labels[2] {
		t.Errorf("first group split: %v", res.Labels)
	}
	if res.Labels[0] != "speaker_0" || res.Labels[3] != "speaker_1" {
		t.Errorf("ids not in order of first appearance: %v", res.Labels)
	}
	if !res.Scored || res.Score < 0.9 {
		t.Errorf("Score = %v (scored=%v), want > 0.9", res.Score, res.Scored)
	}
}

func TestCluster_ThreeSpeakersInterleaved(t *testing.T) {
	var embs []Embedding
	for p := 0; p < 3; p++ {
		for s := 0; s < 3; s++ {
			embs = append(embs, voice(s, p))
		}
	}
	res, err := newTestEngine().Cluster(embs)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if res.Clusters != 3 {
		t.Fatalf("Clusters = %d, want 3 (labels %v)", res.Clusters, res.Labels)
	}
	for i, l := range res.Labels {
		want := speakerLabel(i % 3)
		if l != want {
			t.Errorf("Labels[%d] = %q, want %q", i, l, want)
		}
	}
}

func TestCluster_TwoDistantEmbeddings(t *testing.T) {
	res, err := newTestEngine().Cluster([]Embedding{voice(0, 0), voice(2, 0)})
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	want := []string{"speaker_0", "speaker_1"}
	if !reflect.DeepEqual(res.Labels, want) {
		t.Errorf("Labels = %v, want %v", res.Labels, want)
	}
	if res.Scored {
		t.Error("two embeddings cannot be scored")
	}
}

func TestCluster_MajorityFallback(t *testing.T) {
	t.Run("most_frequent", func(t *testing.T) {
		// speaker 1 appears first (id 0, two segments), speaker 0 has three.
		embs := []Embedding{voice(1, 0), voice(0, 0), voice(0, 1), nil, voice(1, 1), voice(0, 2), nil}
		res, err := newTestEngine().Cluster(embs)
		if err != nil {
			t.Fatalf("Cluster: %v", err)
		}
		if res.Labels[0] != "speaker_0" || res.Labels[1] != "speaker_1" {
			t.Fatalf("unexpected ids: %v", res.Labels)
		}
		for _, i := range []int{3, 6} {
			if res.Labels[i] != "speaker_1" {
				t.Errorf("Labels[%d] = %q, want speaker_1", i, res.Labels[i])
			}
		}
	})

	t.Run("tie_prefers_lowest_id", func(t *testing.T) {
		embs := []Embedding{nil, voice(1, 0), voice(0, 0), voice(1, 1), voice(0, 1)}
		res, err := newTestEngine().Cluster(embs)
		if err != nil {
			t.Fatalf("Cluster: %v", err)
		}
		if res.Labels[0] != "speaker_0" {
			t.Errorf("Labels[0] = %q, want speaker_0 (labels %v)", res.Labels[0], res.Labels)
		}
	})
}

// Scenario D (unsupervised half).
func TestCluster_AllMissing(t *testing.T) {
	res, err := newTestEngine().Cluster([]Embedding{nil, nil, {}, nil})
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	for i, l := range res.Labels {
		if l != "speaker_0" {
			t.Errorf("Labels[%d] = %q, want speaker_0", i, l)
		}
	}
}

func TestCluster_IndexAlignmentAndPurity(t *testing.T) {
	inputs := [][]Embedding{
		{nil},
		{voice(0, 0), nil, voice(1, 0)},
		{voice(0, 0), voice(0, 1), voice(1, 0), voice(1, 1), nil, voice(2, 0), voice(2, 1), nil},
		{nil, nil, voice(3, 0), voice(3, 1), voice(3, 2)},
	}
	e := newTestEngine()
	for i, in := range inputs {
		first, err := e.Cluster(in)
		if err != nil {
			t.Fatalf("input %d: %v", i, err)
		}
		if len(first.Labels) != len(in) {
			t.Errorf("input %d: len(Labels) = %d, want %d", i, len(first.Labels), len(in))
		}
		second, err := e.Cluster(in)
		if err != nil {
			t.Fatalf("input %d: %v", i, err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Errorf("input %d: results differ between identical calls", i)
		}
	}
}

func TestCluster_MaxSpeakersCap(t *testing.T) {
	var embs []Embedding
	for s := 0; s < 4; s++ {
		embs = append(embs, voice(s, 0), voice(s, 1))
	}
	res, err := New(Config{MaxSpeakers: 2}).Cluster(embs)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if got := len(countLabels(res.Labels)); got > 2 {
		t.Errorf("distinct labels = %d, want <= 2", got)
	}
}

func TestCluster_MalformedInput(t *testing.T) {
	short := make(Embedding, 10)
	_, err := newTestEngine().Cluster([]Embedding{voice(0, 0), short})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("mixed dimensions: err = %v, want ErrDimensionMismatch", err)
	}

	nan := voice(0, 0)
	nan[5] = float32(math.NaN())
	_, err = newTestEngine().Cluster([]Embedding{voice(0, 1), nan})
	if !errors.Is(err, ErrInvalidEmbedding) {
		t.Errorf("NaN: err = %v, want ErrInvalidEmbedding", err)
	}

	_, err = New(Config{Dimension: 256}).Cluster([]Embedding{voice(0, 0)})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("configured dimension: err = %v, want ErrDimensionMismatch", err)
	}
}

func TestMajority(t *testing.T) {
	tests := []struct {
		name   string
		assign []int
		k      int
		want   int
	}{
		{"clear", []int{1, 1, 0}, 2, 1},
		{"tie", []int{1, 0, 1, 0}, 2, 0},
		{"three_way_tie", []int{2, 1, 0}, 3, 0},
		{"later_wins", []int{0, 2, 2, 1}, 3, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := majority(tt.assign, tt.k); got != tt.want {
				t.Errorf("majority(%v) = %d, want %d", tt.assign, got, tt.want)
			}
		})
	}
}

func TestLabels(t *testing.T) {
	if got := speakerLabel(3); got != "speaker_3" {
		t.Errorf("speakerLabel(3) = %q", got)
	}
	if got := otherLabel(0); got != "OTHER_0" {
		t.Errorf("otherLabel(0) = %q", got)
	}
}
