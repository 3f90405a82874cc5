package classifier

// Result is the outcome of classifying one image.
type Result struct {
	PredictedClass   Label        `json:"predicted_class"`
	Confidence       float64      `json:"confidence"`
	Probabilities    Distribution `json:"probabilities"`
	ThresholdApplied bool         `json:"threshold_applied"`
}

// Decide picks the most probable label and flags an uncertain "other".
//
// ThresholdApplied is set only when the argmax is LabelOther and its
// probability is strictly below threshold. Low-confidence bird, plane, or
// superman predictions are returned unchanged and unflagged.
func Decide(dist Distribution, threshold float64) Result {
	best := labelOrder[0]
	bestP := dist[best]
	for _, label := range labelOrder[1:] {
		if p := dist[label]; p > bestP {
			best, bestP = label, p
		}
	}

	probs := make(Distribution, len(dist))
	for label, p := range dist {
		probs[label] = p
	}

	return Result{
		PredictedClass:   best,
		Confidence:       bestP,
		Probabilities:    probs,
		ThresholdApplied: best == LabelOther && bestP < threshold,
	}
}
