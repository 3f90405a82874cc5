package inference

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/example/bps-classifier/internal/faults"
	"github.com/example/bps-classifier/internal/imageprocessor"
)

func TestScoreBeforeLoadFailsWithNotLoaded(t *testing.T) {
	scorer := NewONNXScorer(DefaultOptions(), zap.NewNop())

	tensor := imageprocessor.Tensor{
		Shape: imageprocessor.InputShape(),
		Data:  make([]float32, 3*imageprocessor.InputSize*imageprocessor.InputSize),
	}
	_, err := scorer.Score(tensor)
	if !errors.Is(err, faults.ErrNotLoaded) {
		t.Fatalf("expected not loaded error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	scorer := NewONNXScorer(DefaultOptions(), zap.NewNop())
	err := scorer.Load(filepath.Join(t.TempDir(), "missing.onnx"))
	if !errors.Is(err, faults.ErrModelLoad) {
		t.Fatalf("expected model load error, got %v", err)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.onnx")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	scorer := NewONNXScorer(DefaultOptions(), zap.NewNop())
	if err := scorer.Load(path); !errors.Is(err, faults.ErrModelLoad) {
		t.Fatalf("expected model load error, got %v", err)
	}
}

func TestLoadDirectory(t *testing.T) {
	scorer := NewONNXScorer(DefaultOptions(), zap.NewNop())
	if err := scorer.Load(t.TempDir()); !errors.Is(err, faults.ErrModelLoad) {
		t.Fatalf("expected model load error, got %v", err)
	}
}

func TestCloseUnloadedScorer(t *testing.T) {
	scorer := NewONNXScorer(Options{}, zap.NewNop())
	if err := scorer.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scorer.opts.InputName != "input" || scorer.opts.OutputName != "output" {
		t.Fatalf("expected default tensor names, got %+v", scorer.opts)
	}
}
