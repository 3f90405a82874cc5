package classifier

import (
	"errors"
	"math"
	"testing"

	"github.com/example/bps-classifier/internal/faults"
)

func TestLabelsOrder(t *testing.T) {
	want := []Label{LabelBird, LabelPlane, LabelSuperman, LabelOther}
	got := Labels()
	if len(got) != len(want) {
		t.Fatalf("unexpected labels %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected labels %v", got)
		}
	}
	got[0] = "cat"
	if Labels()[0] != LabelBird {
		t.Fatal("label set must not be mutable through Labels()")
	}
	if Label("cat").Valid() || !LabelOther.Valid() {
		t.Fatal("unexpected Valid result")
	}
}

func TestFromScoresSoftmaxSumsToOne(t *testing.T) {
	inputs := [][]float32{
		{0, 0, 0, 0},
		{10, -3, 2.5, 0.1},
		{-100, -100, -100, 50},
		{88, 89, 87, 86},
	}
	for _, scores := range inputs {
		dist, err := FromScores(scores, true)
		if err != nil {
			t.Fatalf("scores %v: unexpected error: %v", scores, err)
		}
		sum := 0.0
		for _, label := range Labels() {
			p, ok := dist[label]
			if !ok {
				t.Fatalf("missing label %s", label)
			}
			sum += p
		}
		if math.Abs(sum-1) > SumTolerance {
			t.Fatalf("scores %v: sum %v", scores, sum)
		}
	}
}

func TestFromScoresKeepsLabelOrder(t *testing.T) {
	dist, err := FromScores([]float32{0.1, 0.2, 0.3, 0.4}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(dist[LabelOther]-0.4) > 1e-6 || math.Abs(dist[LabelBird]-0.1) > 1e-6 {
		t.Fatalf("unexpected mapping %v", dist)
	}
	ranked := dist.Ranked()
	if ranked[0] != LabelOther || ranked[3] != LabelBird {
		t.Fatalf("unexpected ranking %v", ranked)
	}
}

func TestFromScoresRejectsNonFinite(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	for _, scores := range [][]float32{{nan, 0, 0, 0}, {0, inf, 0, 0}, {0, 0, -inf, 0}} {
		if _, err := FromScores(scores, true); !errors.Is(err, faults.ErrInference) {
			t.Fatalf("scores %v: expected inference error, got %v", scores, err)
		}
	}
}

func TestFromScoresRejectsWrongWidth(t *testing.T) {
	if _, err := FromScores([]float32{1, 2, 3}, true); !errors.Is(err, faults.ErrInference) {
		t.Fatalf("expected inference error, got %v", err)
	}
}

func TestFromScoresRejectsUnnormalizedProbabilities(t *testing.T) {
	if _, err := FromScores([]float32{0.5, 0.5, 0.5, 0.5}, false); !errors.Is(err, faults.ErrInference) {
		t.Fatalf("expected inference error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]Distribution{
		"missing label": {LabelBird: 0.5, LabelPlane: 0.5, LabelSuperman: 0},
		"foreign label": {LabelBird: 0.5, LabelPlane: 0.5, LabelSuperman: 0, "cat": 0},
		"negative":      {LabelBird: 1.2, LabelPlane: -0.2, LabelSuperman: 0, LabelOther: 0},
		"bad sum":       {LabelBird: 0.2, LabelPlane: 0.2, LabelSuperman: 0.2, LabelOther: 0.2},
		"nan":           {LabelBird: math.NaN(), LabelPlane: 0.5, LabelSuperman: 0.5, LabelOther: 0},
	}
	for name, dist := range cases {
		t.Run(name, func(t *testing.T) {
			if err := dist.Validate(); !errors.Is(err, faults.ErrInference) {
				t.Fatalf("expected inference error, got %v", err)
			}
		})
	}

	ok := Distribution{LabelBird: 0.25, LabelPlane: 0.25, LabelSuperman: 0.25, LabelOther: 0.25 + 5e-5}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected distribution within tolerance to validate, got %v", err)
	}
}
