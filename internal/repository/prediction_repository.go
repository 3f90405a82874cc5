package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/bps-classifier/internal/retry"
)

// ErrNotFound is returned when no log matches the lookup.
var ErrNotFound = errors.New("prediction log not found")

// PredictionLog is the audit record of one served prediction.
type PredictionLog struct {
	ID               uint      `gorm:"primaryKey"`
	RequestID        string    `gorm:"column:request_id;uniqueIndex;size:64"`
	ImageSHA1        string    `gorm:"column:image_sha1;index;size:40"`
	ModelVersion     string    `gorm:"column:model_version;size:64"`
	PredictedClass   string    `gorm:"column:predicted_class;index;size:16"`
	Confidence       float64   `gorm:"column:confidence"`
	ThresholdApplied bool      `gorm:"column:threshold_applied"`
	Cached           bool      `gorm:"column:cached"`
	LatencyMs        float64   `gorm:"column:latency_ms"`
	CreatedAt        time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// ClassCount is the number of logged predictions for one class.
type ClassCount struct {
	PredictedClass string `gorm:"column:predicted_class"`
	Count          int64  `gorm:"column:count"`
}

// Aggregation is a summary over all logged predictions.
type Aggregation struct {
	TotalCount            int64
	CachedCount           int64
	ThresholdAppliedCount int64
	AverageConfidence     float64
	AverageLatencyMs      float64
	ByClass               []ClassCount
}

// PredictionRepository persists prediction logs.
type PredictionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewPredictionRepository creates a repository with the default retry policy.
func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	policy := retry.DefaultPolicy()
	return &PredictionRepository{
		db:             db,
		logger:         logger.Named("prediction_repository"),
		retryAttempts:  policy.Attempts,
		initialBackoff: policy.InitialBackoff,
		maxBackoff:     policy.MaxBackoff,
	}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&PredictionLog{})
	})
}

// SaveLog persists a prediction log entry.
func (r *PredictionRepository) SaveLog(ctx context.Context, log *PredictionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log for a request.
func (r *PredictionRepository) FindByRequestID(ctx context.Context, requestID string) (*PredictionLog, error) {
	var log PredictionLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics summarizes every logged prediction.
func (r *PredictionRepository) AggregateMetrics(ctx context.Context) (*Aggregation, error) {
	var row struct {
		TotalCount            int64
		CachedCount           int64
		ThresholdAppliedCount int64
		AverageConfidence     float64
		AverageLatencyMs      float64
	}
	var byClass []ClassCount

	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		err := r.db.WithContext(ctx).Model(&PredictionLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN cached THEN 1 ELSE 0 END), 0) AS cached_count,
				COALESCE(SUM(CASE WHEN threshold_applied THEN 1 ELSE 0 END), 0) AS threshold_applied_count,
				COALESCE(AVG(confidence), 0) AS average_confidence,
				COALESCE(AVG(CASE WHEN NOT cached THEN latency_ms END), 0) AS average_latency_ms`).
			Scan(&row).Error
		if err != nil {
			return err
		}
		return r.db.WithContext(ctx).Model(&PredictionLog{}).
			Select("predicted_class, COUNT(*) AS count").
			Group("predicted_class").
			Order("predicted_class").
			Scan(&byClass).Error
	})
	if err != nil {
		return nil, err
	}

	return &Aggregation{
		TotalCount:            row.TotalCount,
		CachedCount:           row.CachedCount,
		ThresholdAppliedCount: row.ThresholdAppliedCount,
		AverageConfidence:     row.AverageConfidence,
		AverageLatencyMs:      row.AverageLatencyMs,
		ByClass:               byClass,
	}, nil
}

func (r *PredictionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       r.retryAttempts,
		InitialBackoff: r.initialBackoff,
		MaxBackoff:     r.maxBackoff,
	}
	return retry.Do(ctx, policy, r.logger, operation, requestID, fn)
}
