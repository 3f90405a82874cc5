package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/bps-classifier/internal/classifier"
	"github.com/example/bps-classifier/internal/faults"
	"github.com/example/bps-classifier/internal/usecase"
)

// MaxUploadSize is the largest accepted image file.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and part headers on top of
// the file itself.
const multipartOverhead = 1 << 20

// AllowedContentTypes lists the part content types /predict accepts.
var AllowedContentTypes = []string{
	"image/jpeg",
	"image/jpg",
	"image/png",
	"image/gif",
	"image/webp",
}

// PredictionService is what the routes need from the use case layer.
type PredictionService interface {
	Classify(ctx context.Context, imageBytes []byte) (*usecase.Prediction, error)
	Info() (classifier.Info, error)
	Ready() bool
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
	GetPrediction(ctx context.Context, requestID string) (*usecase.PredictionRecord, error)
}

// Options tune the routes.
type Options struct {
	Version string
	Logger  *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc PredictionService, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{svc: svc, version: opts.Version, logger: logger.Named("http")}

	router.Use(CORS())

	router.GET("/", h.root)
	router.GET("/health", h.health)
	router.GET("/info", h.info)
	router.POST("/predict", h.predict)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/metrics/summary", h.summary)
	router.GET("/predictions/:request_id", h.prediction)
}

// CORS allows any origin, mirroring a public prediction API.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

type handler struct {
	svc     PredictionService
	version string
	logger  *zap.Logger
}

func (h *handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "Bird/Plane/Superman Classifier API",
		"version": h.version,
		"endpoints": gin.H{
			"predict": "POST /predict - Upload an image for classification",
			"health":  "GET /health - Health check endpoint",
			"info":    "GET /info - Model information",
			"metrics": "GET /metrics - Prometheus metrics",
			"lookup":  "GET /predictions/{request_id} - Logged prediction",
		},
	})
}

func (h *handler) health(c *gin.Context) {
	if !h.svc.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model not loaded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *handler) info(c *gin.Context) {
	info, err := h.svc.Info()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *handler) summary(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		if errors.Is(err, usecase.ErrSummaryUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("metrics summary failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) prediction(c *gin.Context) {
	requestID := c.Param("request_id")
	if _, err := uuid.Parse(requestID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_id must be a UUID"})
		return
	}

	record, err := h.svc.GetPrediction(c.Request.Context(), requestID)
	switch {
	case errors.Is(err, usecase.ErrPredictionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrSummaryUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error("prediction lookup failed", zap.Error(err), zap.String("request_id", requestID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load prediction"})
	default:
		c.JSON(http.StatusOK, record)
	}
}

func (h *handler) predict(c *gin.Context) {
	if !h.svc.Ready() {
		h.fail(c, faults.ServiceNotReady("model is not loaded"))
		return
	}

	limit := int64(MaxUploadSize + multipartOverhead)
	if c.Request.ContentLength > limit {
		tooLarge(c)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	file, err := formFile(c)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			tooLarge(c)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required (form field \"file\")"})
		return
	}
	if file.Size > MaxUploadSize {
		tooLarge(c)
		return
	}
	if !allowedContentType(file.Header.Get("Content-Type")) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error": fmt.Sprintf("invalid file type, allowed types: %s", strings.Join(AllowedContentTypes, ", ")),
		})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	prediction, err := h.svc.Classify(c.Request.Context(), data)
	if err != nil {
		h.fail(c, err)
		return
	}

	probabilities := make(map[string]float64, len(prediction.Result.Probabilities))
	for label, p := range prediction.Result.Probabilities {
		probabilities[string(label)] = round4(p)
	}

	c.Header("X-Request-ID", prediction.RequestID)
	c.JSON(http.StatusOK, gin.H{
		"request_id":        prediction.RequestID,
		"predicted_class":   prediction.Result.PredictedClass,
		"confidence":        round4(prediction.Result.Confidence),
		"probabilities":     probabilities,
		"threshold_applied": prediction.Result.ThresholdApplied,
		"cached":            prediction.Cached,
	})
}

func (h *handler) fail(c *gin.Context, err error) {
	kind := faults.KindOf(err)
	status := StatusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("request failed", zap.Error(err), zap.String("kind", kind.String()))
	}
	c.JSON(status, gin.H{"error": faults.Detail(err), "kind": kind.String()})
}

// StatusFor maps a pipeline error to an HTTP status.
func StatusFor(err error) int {
	switch faults.KindOf(err) {
	case faults.KindInvalidImage:
		return http.StatusBadRequest
	case faults.KindServiceNotReady:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func formFile(c *gin.Context) (*multipart.FileHeader, error) {
	file, err := c.FormFile("file")
	if err == nil {
		return file, nil
	}
	if errors.Is(err, http.ErrMissingFile) {
		return c.FormFile("image")
	}
	return nil, err
}

func allowedContentType(header string) bool {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	mediaType = strings.ToLower(mediaType)
	for _, allowed := range AllowedContentTypes {
		if mediaType == allowed {
			return true
		}
	}
	return false
}

func tooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"error": fmt.Sprintf("file too large, maximum size: %dMB", MaxUploadSize>>20),
	})
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
