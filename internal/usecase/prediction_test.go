package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/bps-classifier/internal/classifier"
	"github.com/example/bps-classifier/internal/faults"
	"github.com/example/bps-classifier/internal/repository"
	"github.com/example/bps-classifier/internal/retry"
)

type stubClassifier struct {
	ready     bool
	result    classifier.Result
	dist      classifier.Distribution
	threshold float64
	err       error
	calls     int
}

func (s *stubClassifier) Predict(data []byte) (classifier.Result, error) {
	s.calls++
	if s.err != nil {
		return classifier.Result{}, s.err
	}
	if s.dist != nil {
		return classifier.Decide(s.dist, s.threshold), nil
	}
	return s.result, nil
}

func (s *stubClassifier) Info() (classifier.Info, error) {
	if !s.ready {
		return classifier.Info{}, faults.ServiceNotReady("model is not loaded")
	}
	return classifier.Info{Labels: classifier.Labels(), ConfidenceThreshold: 0.7, ModelVersion: "v1"}, nil
}

func (s *stubClassifier) IsReady() bool        { return s.ready }
func (s *stubClassifier) ModelVersion() string { return "v1" }
func (s *stubClassifier) Threshold() float64   { return s.threshold }

type stubCache struct {
	values  map[string][]byte
	getErrs []error
	setErrs []error
	setKeys []string
	getKeys []string
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string][]byte{}}
}

func (s *stubCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	s.values[key] = value
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) ([]byte, error) {
	s.getKeys = append(s.getKeys, key)
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	value, ok := s.values[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return value, nil
}

type stubRepository struct {
	savedLogs   []*repository.PredictionLog
	saveErr     error
	aggregation *repository.Aggregation
	aggErr      error
	findErr     error
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.PredictionLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	for _, log := range s.savedLogs {
		if log.RequestID == requestID {
			return log, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.Aggregation, error) {
	return s.aggregation, s.aggErr
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func birdResult() classifier.Result {
	dist := classifier.Distribution{
		classifier.LabelBird:     0.7,
		classifier.LabelPlane:    0.1,
		classifier.LabelSuperman: 0.1,
		classifier.LabelOther:    0.1,
	}
	return classifier.Decide(dist, 0.7)
}

func newTestUseCase(c Classifier, cache Cache, repo PredictionRepository) *PredictionUseCase {
	uc := NewPredictionUseCase(c, cache, repo, time.Minute, zap.NewNop())
	uc.retry = retry.Policy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	return uc
}

func TestClassifyNotReady(t *testing.T) {
	svc := &stubClassifier{}
	uc := newTestUseCase(svc, nil, nil)

	_, err := uc.Classify(context.Background(), []byte("image"))
	if !errors.Is(err, faults.ErrServiceNotReady) {
		t.Fatalf("expected service not ready, got %v", err)
	}
	if svc.calls != 0 {
		t.Fatal("classifier must not be called before it is ready")
	}
}

func TestClassifyCachesAndLogs(t *testing.T) {
	svc := &stubClassifier{ready: true, result: birdResult()}
	cache := newStubCache()
	repo := &stubRepository{}
	uc := newTestUseCase(svc, cache, repo)

	first, err := uc.Classify(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Cached || first.RequestID == "" {
		t.Fatalf("unexpected first prediction %+v", first)
	}
	if len(cache.setKeys) != 1 || !strings.HasPrefix(cache.setKeys[0], "prediction:v1:") {
		t.Fatalf("unexpected cache writes %v", cache.setKeys)
	}

	second, err := uc.Classify(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Cached {
		t.Fatal("expected second prediction to come from cache")
	}
	if svc.calls != 1 {
		t.Fatalf("expected classifier to run once, ran %d times", svc.calls)
	}
	if second.RequestID == first.RequestID {
		t.Fatal("every request must get its own id")
	}
	if second.Result.PredictedClass != classifier.LabelBird || second.Result.Confidence != 0.7 {
		t.Fatalf("unexpected cached result %+v", second.Result)
	}

	if len(repo.savedLogs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(repo.savedLogs))
	}
	if repo.savedLogs[0].Cached || !repo.savedLogs[1].Cached {
		t.Fatal("unexpected cached flags in logs")
	}
	if repo.savedLogs[0].ImageSHA1 != repo.savedLogs[1].ImageSHA1 || len(repo.savedLogs[0].ImageSHA1) != 40 {
		t.Fatalf("unexpected hashes %q %q", repo.savedLogs[0].ImageSHA1, repo.savedLogs[1].ImageSHA1)
	}
}

func TestClassifyRetriesTransientCacheRead(t *testing.T) {
	svc := &stubClassifier{ready: true, result: birdResult()}
	cache := newStubCache()
	cache.getErrs = []error{transientRedisError{}}
	uc := newTestUseCase(svc, cache, nil)

	if _, err := uc.Classify(context.Background(), []byte("image")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cache.getKeys) != 2 {
		t.Fatalf("expected a retried cache read, got %d reads", len(cache.getKeys))
	}
	if cache.getKeys[0] != cache.getKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.getKeys[0], cache.getKeys[1])
	}
}

func TestClassifyToleratesInfrastructureFailures(t *testing.T) {
	svc := &stubClassifier{ready: true, result: birdResult()}
	cache := newStubCache()
	cache.getErrs = []error{errors.New("WRONGTYPE")}
	cache.setErrs = []error{errors.New("READONLY")}
	repo := &stubRepository{saveErr: errors.New("connection refused")}
	uc := newTestUseCase(svc, cache, repo)

	prediction, err := uc.Classify(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("infrastructure failures must not fail the request, got %v", err)
	}
	if prediction.Result.PredictedClass != classifier.LabelBird {
		t.Fatalf("unexpected result %+v", prediction.Result)
	}
}

func TestClassifyIgnoresMalformedCacheEntry(t *testing.T) {
	svc := &stubClassifier{ready: true, result: birdResult()}
	cache := newStubCache()
	uc := newTestUseCase(svc, cache, nil)

	bad, _ := json.Marshal(map[string]float64{"bird": 0.9, "cat": 0.1})
	sum := sha1.Sum([]byte("image"))
	key := uc.cacheKey(hex.EncodeToString(sum[:]))
	cache.values[key] = bad

	prediction, err := uc.Classify(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prediction.Cached || svc.calls != 1 {
		t.Fatal("expected malformed entry to be ignored")
	}
}

func TestClassifyPropagatesPipelineErrors(t *testing.T) {
	svc := &stubClassifier{ready: true, err: faults.InvalidImage("unable to decode image", nil)}
	cache := newStubCache()
	repo := &stubRepository{}
	uc := newTestUseCase(svc, cache, repo)

	_, err := uc.Classify(context.Background(), []byte("garbage"))
	if !errors.Is(err, faults.ErrInvalidImage) {
		t.Fatalf("expected invalid image, got %v", err)
	}
	if len(cache.setKeys) != 0 || len(repo.savedLogs) != 0 {
		t.Fatal("failed predictions must not be cached or logged")
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{aggregation: &repository.Aggregation{
		TotalCount:            10,
		CachedCount:           4,
		ThresholdAppliedCount: 2,
		AverageConfidence:     0.81,
		AverageLatencyMs:      12.5,
		ByClass: []repository.ClassCount{
			{PredictedClass: "bird", Count: 6},
			{PredictedClass: "other", Count: 4},
		},
	}}
	uc := newTestUseCase(&stubClassifier{ready: true}, nil, repo)

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.CacheHitRate != 0.4 || summary.ByClass["bird"] != 6 || summary.ThresholdAppliedCount != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	uc = newTestUseCase(&stubClassifier{ready: true}, nil, nil)
	if _, err := uc.GetMetricsSummary(context.Background()); !errors.Is(err, ErrSummaryUnavailable) {
		t.Fatalf("expected summary unavailable, got %v", err)
	}
}

func TestClassifyCacheHitUsesCurrentThreshold(t *testing.T) {
	dist := classifier.Distribution{
		classifier.LabelBird:     0.2,
		classifier.LabelPlane:    0.1,
		classifier.LabelSuperman: 0.1,
		classifier.LabelOther:    0.6,
	}
	cache := newStubCache()

	strict := &stubClassifier{ready: true, dist: dist, threshold: 0.7}
	first, err := newTestUseCase(strict, cache, nil).Classify(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Cached || !first.Result.ThresholdApplied {
		t.Fatalf("expected fresh flagged result, got %+v", first)
	}

	// Same model and cache after a restart with a lower threshold.
	lenient := &stubClassifier{ready: true, dist: dist, threshold: 0.5}
	second, err := newTestUseCase(lenient, cache, nil).Classify(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Cached || lenient.calls != 0 {
		t.Fatalf("expected a cache hit, got %+v after %d calls", second, lenient.calls)
	}
	if second.Result.ThresholdApplied {
		t.Fatal("cached result must be decided with the current threshold")
	}
	if second.Result.PredictedClass != classifier.LabelOther || second.Result.Confidence != 0.6 {
		t.Fatalf("unexpected cached result %+v", second.Result)
	}
}

func TestClassifyCachesDistributionOnly(t *testing.T) {
	svc := &stubClassifier{ready: true, result: birdResult()}
	cache := newStubCache()
	uc := newTestUseCase(svc, cache, nil)

	if _, err := uc.Classify(context.Background(), []byte("image")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var stored map[string]any
	if err := json.Unmarshal(cache.values[cache.setKeys[0]], &stored); err != nil {
		t.Fatalf("decode cached value: %v", err)
	}
	if len(stored) != classifier.NumLabels {
		t.Fatalf("expected one entry per label, got %v", stored)
	}
	if _, ok := stored["threshold_applied"]; ok {
		t.Fatal("decision fields must not be cached")
	}
}

func TestGetPrediction(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(&stubClassifier{ready: true, result: birdResult()}, nil, repo)

	prediction, err := uc.Classify(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	record, err := uc.GetPrediction(context.Background(), prediction.RequestID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.RequestID != prediction.RequestID || record.PredictedClass != "bird" || record.ModelVersion != "v1" {
		t.Fatalf("unexpected record %+v", record)
	}

	if _, err := uc.GetPrediction(context.Background(), "unknown"); !errors.Is(err, ErrPredictionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	repo.findErr = errors.New("connection reset")
	if _, err := uc.GetPrediction(context.Background(), prediction.RequestID); err == nil || errors.Is(err, ErrPredictionNotFound) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}

	uc = newTestUseCase(&stubClassifier{ready: true}, nil, nil)
	if _, err := uc.GetPrediction(context.Background(), prediction.RequestID); !errors.Is(err, ErrSummaryUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
