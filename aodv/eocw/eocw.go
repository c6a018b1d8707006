// Package eocw scores candidate paths on three criteria: path average
// congestion score, path minimum residual energy and a quantised hop-count
// score. Criterion weights come from a per-node policy (a static table or a
// nine-rule fuzzy inference over the node's own energy and congestion),
// multiplied by entropy weights that favour whichever criteria actually
// discriminate between the candidates at hand.
//
// Every function here is pure. Degenerate inputs resolve to equal weights.
package eocw

import "math"

// Weights is a criterion weight triple.
type Weights struct {
	Congestion float64
	Energy     float64
	Hops       float64
}

func (w Weights) Sum() float64 {
	return w.Congestion + w.Energy + w.Hops
}

// Equal is the fallback triple.
func Equal() Weights {
	return Weights{Congestion: 1.0 / 3, Energy: 1.0 / 3, Hops: 1.0 / 3}
}

// Normalize scales w to sum to 1, or returns Equal when it cannot.
func (w Weights) Normalize() Weights {
	s := w.Sum()
	if !(s > 0) || math.IsInf(s, 0) {
		return Equal()
	}
	return Weights{Congestion: w.Congestion / s, Energy: w.Energy / s, Hops: w.Hops / s}
}

// Candidate is one discovered path as seen by the destination.
type Candidate struct {
	MinEnergy     float64
	AvgCongestion float64
	Hops          int
}

// criteria returns the candidate's scores in weight order.
func (c Candidate) criteria() Weights {
	return Weights{
		Congestion: Clamp01(c.AvgCongestion),
		Energy:     Clamp01(c.MinEnergy),
		Hops:       HopScore(c.Hops),
	}
}

// Clamp01 limits x to [0,1]; NaN maps to 0.
func Clamp01(x float64) float64 {
	switch {
	case x > 1:
		return 1
	case x >= 0:
		return x
	default:
		return 0
	}
}

// HopScore rewards short paths sharply.
func HopScore(hops int) float64 {
	switch {
	case hops <= 2:
		return 1.0
	case hops <= 4:
		return 0.6
	case hops <= 6:
		return 0.4
	default:
		return 0.1
	}
}

// Triangle is a triangular membership function rising from a to a peak at
// b and falling to c.
func Triangle(x, a, b, c float64) float64 {
	switch {
	case x <= a || x >= c:
		return 0
	case x == b:
		return 1
	case x < b:
		return (x - a) / (b - a)
	default:
		return (c - x) / (c - b)
	}
}

// StaticWeights is the fixed policy table keyed on the node's own energy.
// Energy strictly between 0.3 and 0.5 matches no band and weighs hop count
// alone; that gap is part of the table.
func StaticWeights(energy float64) Weights {
	switch {
	case energy >= 0.8:
		return Weights{Congestion: 0.5396, Energy: 0.297, Hops: 0.1634}
	case energy >= 0.5:
		return Weights{Congestion: 0.637, Energy: 0.2583, Hops: 0.1047}
	case energy <= 0.3:
		return Weights{Congestion: 0.7514, Energy: 0.1782, Hops: 0.0704}
	default:
		return Weights{Hops: 1}
	}
}

type rule struct {
	energy, congestion int
	out                Weights
}

const (
	low = iota
	medium
	high
)

// Congestion classes reuse the same indices: busy, normal, free.
var rules = [...]rule{
	{low, low, Weights{0.45, 0.50, 0.05}},
	{low, medium, Weights{0.20, 0.70, 0.10}},
	{low, high, Weights{0.10, 0.80, 0.10}},
	{medium, low, Weights{0.70, 0.20, 0.10}},
	{medium, medium, Weights{0.33, 0.34, 0.33}},
	{medium, high, Weights{0.20, 0.20, 0.60}},
	{high, low, Weights{0.80, 0.10, 0.10}},
	{high, medium, Weights{0.20, 0.10, 0.70}},
	{high, high, Weights{0.10, 0.05, 0.85}},
}

func memberships(x float64) [3]float64 {
	return [3]float64{
		Triangle(x, -0.1, 0.0, 0.4),
		Triangle(x, 0.2, 0.5, 0.8),
		Triangle(x, 0.6, 1.0, 1.1),
	}
}

// FuzzyWeights infers weights from the node's own energy and congestion
// scores. Each rule fires with the smaller of its two membership degrees;
// the result is the firing-weighted mean of the rule outputs. No firing at
// all gives Equal.
func FuzzyWeights(energy, congestion float64) Weights {
	e, c := memberships(energy), memberships(congestion)
	var acc Weights
	total := 0.0
	for _, r := range rules {
		fire := math.Min(e[r.energy], c[r.congestion])
		if fire <= 0 {
			continue
		}
		acc.Congestion += fire * r.out.Congestion
		acc.Energy += fire * r.out.Energy
		acc.Hops += fire * r.out.Hops
		total += fire
	}
	if total == 0 {
		return Equal()
	}
	return acc.Normalize()
}

// PolicyWeights picks the fuzzy or the static policy.
func PolicyWeights(fuzzy bool, energy, congestion float64) Weights {
	if fuzzy {
		return FuzzyWeights(energy, congestion)
	}
	return StaticWeights(energy)
}

// divergenceEpsilon treats a divergence sum this small as zero; identical
// columns produce entropies a rounding error away from 1.
const divergenceEpsilon = 1e-9

// EntropyWeights weighs each criterion by how unevenly it is distributed
// across the candidates. Fewer than two candidates, or no divergence at
// all, gives Equal. A column that sums to zero keeps entropy 0.
func EntropyWeights(cands []Candidate) Weights {
	m := len(cands)
	if m <= 1 {
		return Equal()
	}
	cols := make([][3]float64, m)
	for i, c := range cands {
		w := c.criteria()
		cols[i] = [3]float64{w.Congestion, w.Energy, w.Hops}
	}
	k := 1 / math.Log(float64(m))

	var d [3]float64
	sumD := 0.0
	for j := 0; j < 3; j++ {
		sum := 0.0
		for i := range cols {
			sum += cols[i][j]
		}
		h := 0.0
		if sum > 0 {
			for i := range cols {
				if p := cols[i][j] / sum; p > 0 {
					h -= k * p * math.Log(p)
				}
			}
		}
		d[j] = math.Max(0, 1-h)
		sumD += d[j]
	}
	if sumD < divergenceEpsilon {
		return Equal()
	}
	return Weights{Congestion: d[0] / sumD, Energy: d[1] / sumD, Hops: d[2] / sumD}
}

// Combine multiplies two triples component-wise and renormalises.
func Combine(a, b Weights) Weights {
	return Weights{
		Congestion: a.Congestion * b.Congestion,
		Energy:     a.Energy * b.Energy,
		Hops:       a.Hops * b.Hops,
	}.Normalize()
}

// Score is the weighted sum of the candidate's criteria.
func Score(c Candidate, w Weights) float64 {
	s := c.criteria()
	return w.Congestion*s.Congestion + w.Energy*s.Energy + w.Hops*s.Hops
}

// Decision is the outcome of Select.
type Decision struct {
	// Winner indexes the chosen candidate, -1 when there were none.
	Winner  int
	Scores  []float64
	Policy  Weights
	Entropy Weights
	Final   Weights
}

// Best is the winning score, or -1 without a winner.
func (d Decision) Best() float64 {
	if d.Winner < 0 {
		return -1
	}
	return d.Scores[d.Winner]
}

// Select scores every candidate with policy combined with the candidates'
// entropy weights and picks the highest. Ties keep the earliest candidate.
func Select(cands []Candidate, policy Weights) Decision {
	d := Decision{Winner: -1, Policy: policy}
	if len(cands) == 0 {
		return d
	}
	d.Entropy = EntropyWeights(cands)
	d.Final = Combine(policy, d.Entropy)
	d.Scores = make([]float64, len(cands))
	best := -1.0
	for i, c := range cands {
		s := Score(c, d.Final)
		d.Scores[i] = s
		if s > best {
			best, d.Winner = s, i
		}
	}
	return d
}
