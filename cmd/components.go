package cmd

import (
	"errors"

	"go.uber.org/zap"

	"github.com/example/bps-classifier/internal/artifact"
	"github.com/example/bps-classifier/internal/classifier"
	"github.com/example/bps-classifier/internal/config"
	"github.com/example/bps-classifier/internal/imageprocessor"
	"github.com/example/bps-classifier/internal/inference"
)

// classifierStack groups the components behind a classifier.Service so the
// commands can release them together.
type classifierStack struct {
	service *classifier.Service
	cache   *artifact.Cache
	fetcher *artifact.GCSFetcher
	scorer  *inference.ONNXScorer
}

func artifactLocation(m config.ModelConfig) artifact.Location {
	return artifact.Location{
		Bucket:    m.RemoteBucket,
		Object:    m.RemotePath,
		LocalPath: m.LocalPath,
	}
}

// newClassifierStack builds an unloaded service from configuration.
func newClassifierStack(c *config.AppConfig, logger *zap.Logger) (*classifierStack, error) {
	fetcher := artifact.NewGCSFetcher(c.Model.CredentialsFile)
	cache := artifact.NewCache(fetcher, logger)
	scorer := inference.NewONNXScorer(inference.Options{
		RuntimeLibrary: c.Model.RuntimeLibrary,
		InputName:      c.Model.InputName,
		OutputName:     c.Model.OutputName,
		ApplySoftmax:   c.Model.SoftmaxEnabled(),
	}, logger)

	svc, err := classifier.NewService(classifier.Options{
		Threshold:    c.Model.Threshold(),
		Artifact:     artifactLocation(c.Model),
		ModelVersion: c.Model.Version,
	}, cache, scorer, imageprocessor.NewNormalizer(), logger)
	if err != nil {
		_ = fetcher.Close()
		return nil, err
	}
	return &classifierStack{service: svc, cache: cache, fetcher: fetcher, scorer: scorer}, nil
}

func (s *classifierStack) Close() error {
	return errors.Join(s.scorer.Close(), s.fetcher.Close())
}
