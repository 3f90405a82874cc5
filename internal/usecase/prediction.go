package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/bps-classifier/internal/classifier"
	"github.com/example/bps-classifier/internal/faults"
	"github.com/example/bps-classifier/internal/logging"
	"github.com/example/bps-classifier/internal/metrics"
	"github.com/example/bps-classifier/internal/repository"
	"github.com/example/bps-classifier/internal/retry"
)

// Classifier is the inference core the use case drives.
type Classifier interface {
	Predict(data []byte) (classifier.Result, error)
	Info() (classifier.Info, error)
	IsReady() bool
	ModelVersion() string
	Threshold() float64
}

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.Aggregation, error)
}

var (
	// ErrSummaryUnavailable is returned when no repository is configured.
	ErrSummaryUnavailable = errors.New("prediction log is not configured")
	// ErrPredictionNotFound is returned when no log matches a request ID.
	ErrPredictionNotFound = errors.New("prediction not found")
)

// Prediction is one served classification.
type Prediction struct {
	RequestID string
	Result    classifier.Result
	Cached    bool
}

// PredictionUseCase wraps the classifier with request IDs, the result cache
// and the audit log. Cache and repository are optional; their failures are
// logged and never fail the request.
type PredictionUseCase struct {
	classifier Classifier
	cache      Cache
	repo       PredictionRepository
	logger     *zap.Logger
	cacheTTL   time.Duration
	retry      retry.Policy
	now        func() time.Time
}

// NewPredictionUseCase constructs a new use case instance. cache and repo may be nil.
func NewPredictionUseCase(c Classifier, cache Cache, repo PredictionRepository, cacheTTL time.Duration, logger *zap.Logger) *PredictionUseCase {
	return &PredictionUseCase{
		classifier: c,
		cache:      cache,
		repo:       repo,
		logger:     logger.Named("prediction_usecase"),
		cacheTTL:   cacheTTL,
		retry:      retry.DefaultPolicy(),
		now:        time.Now,
	}
}

// Ready reports whether the classifier can serve.
func (uc *PredictionUseCase) Ready() bool {
	return uc.classifier.IsReady()
}

// Info returns model metadata.
func (uc *PredictionUseCase) Info() (classifier.Info, error) {
	return uc.classifier.Info()
}

// Classify serves one prediction for the encoded image.
func (uc *PredictionUseCase) Classify(ctx context.Context, imageBytes []byte) (*Prediction, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", requestID)

	if !uc.classifier.IsReady() {
		err := faults.ServiceNotReady("model is not loaded")
		metrics.PredictionErrorsTotal.WithLabelValues(faults.KindOf(err).String()).Inc()
		return nil, err
	}

	sum := sha1.Sum(imageBytes)
	hash := hex.EncodeToString(sum[:])
	cacheKey := uc.cacheKey(hash)
	start := uc.now()

	if result, ok := uc.lookup(ctx, requestID, cacheKey); ok {
		prediction := &Prediction{RequestID: requestID, Result: result, Cached: true}
		uc.record(ctx, opLogger, hash, prediction, uc.now().Sub(start))
		return prediction, nil
	}

	result, err := uc.classifier.Predict(imageBytes)
	elapsed := uc.now().Sub(start)
	if err != nil {
		kind := faults.KindOf(err)
		metrics.PredictionErrorsTotal.WithLabelValues(kind.String()).Inc()
		opLogger.Warn("prediction failed", zap.Error(err), zap.String("kind", kind.String()))
		return nil, err
	}
	metrics.InferenceLatency.Observe(elapsed.Seconds())

	prediction := &Prediction{RequestID: requestID, Result: result}
	uc.store(ctx, opLogger, requestID, cacheKey, result)
	uc.record(ctx, opLogger, hash, prediction, elapsed)

	opLogger.Info("prediction served",
		zap.String("predicted_class", string(result.PredictedClass)),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("threshold_applied", result.ThresholdApplied),
		zap.Duration("latency", elapsed),
	)
	return prediction, nil
}

// cacheKey addresses the model's distribution for an image. The decision is
// re-derived on every hit, so the threshold is not part of the key.
func (uc *PredictionUseCase) cacheKey(hash string) string {
	return fmt.Sprintf("prediction:%s:%s", uc.classifier.ModelVersion(), hash)
}

func (uc *PredictionUseCase) lookup(ctx context.Context, requestID, key string) (classifier.Result, bool) {
	if uc.cache == nil {
		return classifier.Result{}, false
	}

	var raw []byte
	miss := false
	err := retry.Do(ctx, uc.retry, uc.logger, "cache.get.result", requestID, func() error {
		value, err := uc.cache.Get(ctx, key)
		if errors.Is(err, ErrCacheMiss) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		logging.WithOperation(uc.logger, "cache.get.result", requestID).Warn("failed to read cache", zap.Error(err))
		return classifier.Result{}, false
	}
	if miss {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return classifier.Result{}, false
	}

	var dist classifier.Distribution
	if err := json.Unmarshal(raw, &dist); err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		logging.WithOperation(uc.logger, "cache.get.result", requestID).Warn("failed to decode cached distribution", zap.Error(err))
		return classifier.Result{}, false
	}
	if err := dist.Validate(); err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		logging.WithOperation(uc.logger, "cache.get.result", requestID).Warn("discarding malformed cached distribution", zap.Error(err))
		return classifier.Result{}, false
	}

	metrics.CacheLookups.WithLabelValues("hit").Inc()
	// The threshold may have changed since the entry was written.
	return classifier.Decide(dist, uc.classifier.Threshold()), true
}

func (uc *PredictionUseCase) store(ctx context.Context, opLogger *zap.Logger, requestID, key string, result classifier.Result) {
	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(result.Probabilities)
	if err != nil {
		opLogger.Error("failed to serialize prediction", zap.Error(err))
		return
	}
	if err := retry.Do(ctx, uc.retry, uc.logger, "cache.set.result", requestID, func() error {
		return uc.cache.Set(ctx, key, serialized, uc.cacheTTL)
	}); err != nil {
		opLogger.Warn("failed to cache prediction", zap.Error(err))
	}
}

func (uc *PredictionUseCase) record(ctx context.Context, opLogger *zap.Logger, hash string, p *Prediction, elapsed time.Duration) {
	metrics.PredictionsTotal.WithLabelValues(string(p.Result.PredictedClass), strconv.FormatBool(p.Result.ThresholdApplied)).Inc()
	if uc.repo == nil {
		return
	}
	log := &repository.PredictionLog{
		RequestID:        p.RequestID,
		ImageSHA1:        hash,
		ModelVersion:     uc.classifier.ModelVersion(),
		PredictedClass:   string(p.Result.PredictedClass),
		Confidence:       p.Result.Confidence,
		ThresholdApplied: p.Result.ThresholdApplied,
		Cached:           p.Cached,
		LatencyMs:        float64(elapsed.Microseconds()) / 1000,
		CreatedAt:        uc.now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		opLogger.Warn("failed to persist prediction log", zap.Error(err))
	}
}
