package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/example/bps-classifier/internal/repository"
)

// MetricsSummary represents aggregated prediction insights.
type MetricsSummary struct {
	TotalRequests         int64            `json:"total_requests"`
	CachedRequests        int64            `json:"cached_requests"`
	CacheHitRate          float64          `json:"cache_hit_rate"`
	ThresholdAppliedCount int64            `json:"threshold_applied_count"`
	AverageConfidence     float64          `json:"average_confidence"`
	AverageLatencyMs      float64          `json:"average_latency_ms"`
	ByClass               map[string]int64 `json:"by_class"`
}

// GetMetricsSummary aggregates prediction metrics from persisted logs.
func (uc *PredictionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrSummaryUnavailable
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:         aggregation.TotalCount,
		CachedRequests:        aggregation.CachedCount,
		ThresholdAppliedCount: aggregation.ThresholdAppliedCount,
		AverageConfidence:     aggregation.AverageConfidence,
		AverageLatencyMs:      aggregation.AverageLatencyMs,
		ByClass:               make(map[string]int64, len(aggregation.ByClass)),
	}
	for _, c := range aggregation.ByClass {
		summary.ByClass[c.PredictedClass] = c.Count
	}

	if aggregation.TotalCount > 0 {
		summary.CacheHitRate = float64(aggregation.CachedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}

// PredictionRecord is the audit entry of one served prediction.
type PredictionRecord struct {
	RequestID        string    `json:"request_id"`
	ImageSHA1        string    `json:"image_sha1"`
	ModelVersion     string    `json:"model_version"`
	PredictedClass   string    `json:"predicted_class"`
	Confidence       float64   `json:"confidence"`
	ThresholdApplied bool      `json:"threshold_applied"`
	Cached           bool      `json:"cached"`
	LatencyMs        float64   `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// GetPrediction looks up the audit entry for a request ID returned by Classify.
func (uc *PredictionUseCase) GetPrediction(ctx context.Context, requestID string) (*PredictionRecord, error) {
	if uc.repo == nil {
		return nil, ErrSummaryUnavailable
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPredictionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &PredictionRecord{
		RequestID:        log.RequestID,
		ImageSHA1:        log.ImageSHA1,
		ModelVersion:     log.ModelVersion,
		PredictedClass:   log.PredictedClass,
		Confidence:       log.Confidence,
		ThresholdApplied: log.ThresholdApplied,
		Cached:           log.Cached,
		LatencyMs:        log.LatencyMs,
		CreatedAt:        log.CreatedAt,
	}, nil
}
