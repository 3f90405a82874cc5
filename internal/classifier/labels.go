package classifier

import (
	"fmt"
	"math"
	"sort"

	"github.com/example/bps-classifier/internal/faults"
)

// Label is one of the fixed output categories.
type Label string

const (
	LabelBird     Label = "bird"
	LabelPlane    Label = "plane"
	LabelSuperman Label = "superman"
	LabelOther    Label = "other"
)

// labelOrder is both the model's output order and the tie-break priority.
var labelOrder = [...]Label{LabelBird, LabelPlane, LabelSuperman, LabelOther}

// NumLabels is the width of the model output.
const NumLabels = len(labelOrder)

// SumTolerance bounds how far a distribution may drift from summing to 1.
const SumTolerance = 1e-4

// Labels returns the label set in priority order.
func Labels() []Label {
	out := make([]Label, NumLabels)
	copy(out, labelOrder[:])
	return out
}

// Valid reports whether l belongs to the label set.
func (l Label) Valid() bool {
	for _, known := range labelOrder {
		if l == known {
			return true
		}
	}
	return false
}

// Distribution maps every label to its probability.
type Distribution map[Label]float64

// Validate checks that every label is present, each value lies in [0,1] and
// the values sum to 1 within SumTolerance.
func (d Distribution) Validate() error {
	if len(d) != NumLabels {
		return faults.Inference(fmt.Sprintf("distribution has %d labels, want %d", len(d), NumLabels), nil)
	}
	sum := 0.0
	for _, label := range labelOrder {
		p, ok := d[label]
		if !ok {
			return faults.Inference(fmt.Sprintf("distribution is missing label %q", label), nil)
		}
		if math.IsNaN(p) || p < 0 || p > 1 {
			return faults.Inference(fmt.Sprintf("probability for %q out of range: %v", label, p), nil)
		}
		sum += p
	}
	if math.Abs(sum-1) > SumTolerance {
		return faults.Inference(fmt.Sprintf("probabilities sum to %.6f", sum), nil)
	}
	return nil
}

// Ranked returns the labels ordered by descending probability, ties in
// priority order.
func (d Distribution) Ranked() []Label {
	out := Labels()
	sort.SliceStable(out, func(i, j int) bool {
		return d[out[i]] > d[out[j]]
	})
	return out
}

// FromScores converts raw model output, in label order, into a distribution.
// With softmax set the values are treated as logits. Non-finite values are
// rejected rather than normalized away.
func FromScores(scores []float32, softmax bool) (Distribution, error) {
	if len(scores) != NumLabels {
		return nil, faults.Inference(fmt.Sprintf("model returned %d scores, want %d", len(scores), NumLabels), nil)
	}

	values := make([]float64, NumLabels)
	for i, s := range scores {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, faults.Inference(fmt.Sprintf("model output for %q is not finite (%v)", labelOrder[i], v), nil)
		}
		values[i] = v
	}

	if softmax {
		maxV := values[0]
		for _, v := range values[1:] {
			if v > maxV {
				maxV = v
			}
		}
		total := 0.0
		for i, v := range values {
			values[i] = math.Exp(v - maxV)
			total += values[i]
		}
		for i := range values {
			values[i] /= total
		}
	}

	dist := make(Distribution, NumLabels)
	for i, label := range labelOrder {
		dist[label] = values[i]
	}
	if err := dist.Validate(); err != nil {
		return nil, err
	}
	return dist, nil
}
