package eocw

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eps = 1e-9

func TestHopScoreSteps(t *testing.T) {
	want := []float64{1.0, 1.0, 0.6, 0.6, 0.4, 0.4, 0.1}
	for i, w := range want {
		assert.Equal(t, w, HopScore(i+1), "hops=%d", i+1)
	}
	assert.Equal(t, 1.0, HopScore(0))
	assert.Equal(t, 0.1, HopScore(35))
}

func TestTriangle(t *testing.T) {
	assert.Equal(t, 0.0, Triangle(0.2, 0.2, 0.5, 0.8))
	assert.Equal(t, 0.0, Triangle(0.8, 0.2, 0.5, 0.8))
	assert.Equal(t, 1.0, Triangle(0.5, 0.2, 0.5, 0.8))
	assert.InDelta(t, 0.5, Triangle(0.35, 0.2, 0.5, 0.8), eps)
	assert.InDelta(t, 0.5, Triangle(0.65, 0.2, 0.5, 0.8), eps)
}

func TestStaticWeightsBands(t *testing.T) {
	assert.Equal(t, Weights{0.5396, 0.297, 0.1634}, StaticWeights(0.8))
	assert.Equal(t, Weights{0.637, 0.2583, 0.1047}, StaticWeights(0.5))
	assert.Equal(t, Weights{0.7514, 0.1782, 0.0704}, StaticWeights(0.3))
	// The 0.3-0.5 gap weighs hop count only.
	assert.Equal(t, Weights{Hops: 1}, StaticWeights(0.4))
	assert.Equal(t, StaticWeights(0.4), PolicyWeights(false, 0.4, 0.9))
}

func TestFuzzyWeightsSumToOne(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	for i := 0; i < 5000; i++ {
		e, c := rng.Float64(), rng.Float64()
		w := FuzzyWeights(e, c)
		require.InDelta(t, 1.0, w.Sum(), eps, "energy=%v congestion=%v", e, c)
		require.GreaterOrEqual(t, w.Congestion, 0.0)
		require.GreaterOrEqual(t, w.Energy, 0.0)
		require.GreaterOrEqual(t, w.Hops, 0.0)
	}
}

func TestFuzzyWeightsRules(t *testing.T) {
	// Peaks fire a single rule at full strength.
	assert.InDelta(t, 0.33, FuzzyWeights(0.5, 0.5).Congestion, eps)
	assert.InDelta(t, 0.85, FuzzyWeights(1.0, 1.0).Hops, eps)
	assert.InDelta(t, 0.50, FuzzyWeights(0.0, 0.0).Energy, eps)

	// Only high/free fires at (0.9, 0.9).
	w := FuzzyWeights(0.9, 0.9)
	assert.InDelta(t, 0.10, w.Congestion, eps)
	assert.InDelta(t, 0.05, w.Energy, eps)
	assert.InDelta(t, 0.85, w.Hops, eps)

	// Two energy classes and one congestion class.
	w = FuzzyWeights(0.3, 0.3)
	assert.InDelta(t, 0.413076923, w.Congestion, 1e-6)
	assert.InDelta(t, 0.427692308, w.Energy, 1e-6)
}

func TestFuzzyWeightsZeroFiring(t *testing.T) {
	assert.Equal(t, Equal(), FuzzyWeights(1.1, 1.1))
	assert.Equal(t, Equal(), FuzzyWeights(-0.5, 0.5))
}

func TestEntropyWeights(t *testing.T) {
	one := []Candidate{{MinEnergy: 0.2, AvgCongestion: 0.9, Hops: 3}}
	assert.Equal(t, Equal(), EntropyWeights(one))
	assert.Equal(t, Equal(), EntropyWeights(nil))

	same := []Candidate{
		{MinEnergy: 0.7, AvgCongestion: 0.6, Hops: 2},
		{MinEnergy: 0.7, AvgCongestion: 0.6, Hops: 1},
		{MinEnergy: 0.7, AvgCongestion: 0.6, Hops: 2},
	}
	assert.Equal(t, Equal(), EntropyWeights(same), "no divergence")

	rng := rand.New(rand.NewPCG(3, 4))
	for i := 0; i < 1000; i++ {
		n := 2 + rng.IntN(6)
		cands := make([]Candidate, n)
		for j := range cands {
			cands[j] = Candidate{MinEnergy: rng.Float64(), AvgCongestion: rng.Float64(), Hops: 1 + rng.IntN(10)}
		}
		require.InDelta(t, 1.0, EntropyWeights(cands).Sum(), eps)
	}
}

func TestEntropyZeroColumn(t *testing.T) {
	// A column of zeros keeps entropy 0 and therefore full divergence.
	cands := []Candidate{
		{MinEnergy: 0, AvgCongestion: 0.5, Hops: 1},
		{MinEnergy: 0, AvgCongestion: 0.5, Hops: 1},
	}
	w := EntropyWeights(cands)
	assert.InDelta(t, 1.0, w.Energy, eps)
	assert.InDelta(t, 0.0, w.Congestion, eps)
}

func TestCombine(t *testing.T) {
	w := Combine(Weights{0.5, 0.25, 0.25}, Weights{0.2, 0.4, 0.4})
	assert.InDelta(t, 1.0, w.Sum(), eps)
	assert.InDelta(t, 0.1/0.3, w.Congestion, eps)

	assert.Equal(t, Equal(), Combine(Weights{Hops: 1}, Weights{Congestion: 0.5, Energy: 0.5}))
}

// Regression vector: local node at energy 0.9 and congestion 0.9 with the
// fuzzy policy; three paths A, B, C.
func TestSelectRegressionVector(t *testing.T) {
	cands := []Candidate{
		{MinEnergy: 0.9, AvgCongestion: 0.8, Hops: 2},
		{MinEnergy: 0.3, AvgCongestion: 0.9, Hops: 2},
		{MinEnergy: 0.6, AvgCongestion: 0.5, Hops: 6},
	}
	d := Select(cands, PolicyWeights(true, 0.9, 0.9))

	assert.InDelta(t, 0.152550, d.Entropy.Congestion, 1e-6)
	assert.InDelta(t, 0.468828, d.Entropy.Energy, 1e-6)
	assert.InDelta(t, 0.378621, d.Entropy.Hops, 1e-6)

	assert.InDelta(t, 0.042313, d.Final.Congestion, 1e-6)
	assert.InDelta(t, 0.065020, d.Final.Energy, 1e-6)
	assert.InDelta(t, 0.892666, d.Final.Hops, 1e-6)

	require.Len(t, d.Scores, 3)
	assert.InDelta(t, 0.985035, d.Scores[0], 1e-6)
	assert.InDelta(t, 0.950254, d.Scores[1], 1e-6)
	assert.InDelta(t, 0.417235, d.Scores[2], 1e-6)
	assert.Greater(t, d.Scores[0], d.Scores[1])
	assert.Greater(t, d.Scores[1], d.Scores[2])
	assert.Equal(t, 0, d.Winner)
	assert.Equal(t, d.Scores[0], d.Best())
}

func TestSelectTiesKeepFirst(t *testing.T) {
	c := Candidate{MinEnergy: 0.5, AvgCongestion: 0.5, Hops: 3}
	d := Select([]Candidate{c, c, c}, StaticWeights(0.9))
	assert.Equal(t, 0, d.Winner)
	assert.Equal(t, Equal(), d.Entropy)

	d = Select(nil, Equal())
	assert.Equal(t, -1, d.Winner)
	assert.Equal(t, -1.0, d.Best())
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-1))
	assert.Equal(t, 1.0, Clamp01(3))
	assert.Equal(t, 0.4, Clamp01(0.4))
}
