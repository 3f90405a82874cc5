// Package classifier holds the inference core: the label set, the decision
// policy and the Service that ties artifact acquisition, normalization and
// scoring together.
package classifier

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/bps-classifier/internal/artifact"
	"github.com/example/bps-classifier/internal/faults"
	"github.com/example/bps-classifier/internal/imageprocessor"
	"github.com/example/bps-classifier/internal/metrics"
)

// ArtifactStore materializes the model file locally.
type ArtifactStore interface {
	Ensure(ctx context.Context, loc artifact.Location) error
}

// Scorer runs the model. Load must succeed before Score; Score returns a
// NotLoaded error otherwise. Score must be safe for concurrent callers.
type Scorer interface {
	Load(path string) error
	Score(tensor imageprocessor.Tensor) (Distribution, error)
}

// State is the lifecycle position of a Service.
type State int32

const (
	StateUnloaded State = iota
	StateLoaded
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	default:
		return "unloaded"
	}
}

// Options are resolved once at startup.
type Options struct {
	Threshold    float64
	Artifact     artifact.Location
	ModelVersion string
}

// Info is static metadata about the loaded model.
type Info struct {
	Labels              []Label `json:"labels"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	ModelVersion        string  `json:"model_version"`
	InputSize           int     `json:"input_size"`
}

// Service classifies images with a model loaded once at startup.
type Service struct {
	opts       Options
	store      ArtifactStore
	scorer     Scorer
	normalizer *imageprocessor.Normalizer
	logger     *zap.Logger

	loadMu sync.Mutex
	state  atomic.Int32
}

// NewService constructs an unloaded service.
func NewService(opts Options, store ArtifactStore, scorer Scorer, normalizer *imageprocessor.Normalizer, logger *zap.Logger) (*Service, error) {
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return nil, fmt.Errorf("confidence threshold %v outside [0,1]", opts.Threshold)
	}
	if store == nil || scorer == nil {
		return nil, fmt.Errorf("classifier: artifact store and scorer are required")
	}
	if normalizer == nil {
		normalizer = imageprocessor.NewNormalizer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		opts:       opts,
		store:      store,
		scorer:     scorer,
		normalizer: normalizer,
		logger:     logger.Named("classifier"),
	}, nil
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// IsReady reports whether the model is loaded.
func (s *Service) IsReady() bool {
	return s.State() == StateLoaded
}

// Load fetches the artifact if needed and loads it into the scorer. It must
// complete before the service takes traffic. On failure the service stays
// unloaded and the error is fatal to startup. Loading an already loaded
// service is a no-op.
func (s *Service) Load(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if s.IsReady() {
		s.logger.Warn("model already loaded")
		return nil
	}

	loc := s.opts.Artifact
	start := time.Now()
	s.logger.Info("ensuring model artifact", zap.String("source", loc.String()), zap.String("local_path", loc.LocalPath))
	if err := s.store.Ensure(ctx, loc); err != nil {
		s.logger.Error("model artifact unavailable", zap.Error(err))
		return err
	}

	if err := s.scorer.Load(loc.LocalPath); err != nil {
		s.logger.Error("model load failed", zap.Error(err), zap.String("local_path", loc.LocalPath))
		return err
	}

	s.state.Store(int32(StateLoaded))
	metrics.ModelLoaded.Set(1)
	s.logger.Info("model loaded",
		zap.String("model_version", s.opts.ModelVersion),
		zap.Float64("confidence_threshold", s.opts.Threshold),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// Predict classifies encoded image bytes.
func (s *Service) Predict(data []byte) (Result, error) {
	if !s.IsReady() {
		return Result{}, faults.ServiceNotReady("model is not loaded")
	}
	tensor, err := s.normalizer.NormalizeBytes(data)
	if err != nil {
		return Result{}, err
	}
	return s.classify(tensor)
}

// PredictImage classifies an already decoded image.
func (s *Service) PredictImage(img image.Image) (Result, error) {
	if !s.IsReady() {
		return Result{}, faults.ServiceNotReady("model is not loaded")
	}
	tensor, err := s.normalizer.Normalize(img)
	if err != nil {
		return Result{}, err
	}
	return s.classify(tensor)
}

func (s *Service) classify(tensor imageprocessor.Tensor) (Result, error) {
	dist, err := s.scorer.Score(tensor)
	if err != nil {
		return Result{}, err
	}
	if err := dist.Validate(); err != nil {
		return Result{}, err
	}
	return Decide(dist, s.opts.Threshold), nil
}

// Info returns model metadata once loaded.
func (s *Service) Info() (Info, error) {
	if !s.IsReady() {
		return Info{}, faults.ServiceNotReady("model is not loaded")
	}
	return Info{
		Labels:              Labels(),
		ConfidenceThreshold: s.opts.Threshold,
		ModelVersion:        s.opts.ModelVersion,
		InputSize:           imageprocessor.InputSize,
	}, nil
}

// Threshold returns the configured confidence threshold.
func (s *Service) Threshold() float64 {
	return s.opts.Threshold
}

// ModelVersion returns the configured model version.
func (s *Service) ModelVersion() string {
	return s.opts.ModelVersion
}
