package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PredictionsTotal counts served predictions by class.
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_predictions_total",
			Help: "Total number of served predictions",
		},
		[]string{"class", "threshold_applied"},
	)

	// PredictionErrorsTotal counts failed predictions by taxonomy kind.
	PredictionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_prediction_errors_total",
			Help: "Total number of failed predictions",
		},
		[]string{"kind"},
	)

	// InferenceLatency tracks end-to-end classification latency, excluding
	// cache hits.
	InferenceLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "classifier_inference_latency_seconds",
			Help:    "Latency of normalize, score and decide in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CacheLookups counts result cache lookups by outcome (hit, miss, error).
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_cache_lookups_total",
			Help: "Total number of result cache lookups",
		},
		[]string{"result"},
	)

	// ModelLoaded is 1 once the model is loaded.
	ModelLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "classifier_model_loaded",
			Help: "Whether the classification model is loaded",
		},
	)

	// ArtifactDownloads counts remote artifact fetches by outcome.
	ArtifactDownloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_artifact_downloads_total",
			Help: "Total number of model artifact downloads",
		},
		[]string{"result"},
	)
)
