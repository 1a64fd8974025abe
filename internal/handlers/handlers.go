// Package handlers exposes the REST surface: health, detection, model
// comparison, metrics pass-through, reload and detection history.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mangovision/mango-api/internal/detect"
	"github.com/mangovision/mango-api/internal/metrics"
	"github.com/mangovision/mango-api/internal/model"
	"github.com/mangovision/mango-api/internal/preprocess"
	"github.com/mangovision/mango-api/internal/store"
)

// Comparer runs the per-model comparison on one image.
type Comparer interface {
	CompareImage(img image.Image) (*model.ComparisonResult, error)
}

// ModelAdmin reports and reloads the model set.
type ModelAdmin interface {
	Status() model.Status
	Reload() error
}

// History persists accepted detections. A nil History disables the
// feature.
type History interface {
	Save(ctx context.Context, det store.Detection) (store.Detection, error)
	Recent(ctx context.Context, limit int) ([]store.Detection, error)
}

type Handler struct {
	engine    Comparer
	admin     ModelAdmin
	metrics   *metrics.Source
	history   History
	log       *zap.Logger
	maxUpload int64
}

func NewHandler(engine Comparer, admin ModelAdmin, src *metrics.Source, history History, log *zap.Logger, maxUpload int64) *Handler {
	return &Handler{
		engine:    engine,
		admin:     admin,
		metrics:   src,
		history:   history,
		log:       log,
		maxUpload: maxUpload,
	}
}

// Register mounts all routes under /api.
func (h *Handler) Register(r *gin.Engine, corsOrigin string) {
	// engine-level so preflight OPTIONS requests hit the middleware even
	// though no OPTIONS routes are registered
	r.Use(CORS(corsOrigin))

	api := r.Group("/api")
	api.GET("/health", h.Health)
	api.POST("/detect", h.Detect)
	api.POST("/compare-image", h.CompareImage)
	api.GET("/models/comparison", h.ModelsComparison)
	api.POST("/reload", h.Reload)
	api.GET("/history", h.History)
}

// Health reports API reachability, model presence and the offline best
// model (null when best_model.json is absent).
func (h *Handler) Health(c *gin.Context) {
	status := h.admin.Status()

	var best any
	if name := h.metrics.BestModel(); name != "" {
		best = name
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"model_present": status.ModelPresent,
		"best_model":    best,
	})
}

// Detect runs the comparison and answers with the flat detection payload
// plus the full comparison for chart rendering.
func (h *Handler) Detect(c *gin.Context) {
	img, filename, ok := h.readImage(c)
	if !ok {
		return
	}

	res, err := h.engine.CompareImage(img)
	if err != nil {
		h.writeCompareError(c, err, "prediction failed")
		return
	}

	h.recordDetection(c.Request.Context(), filename, res)

	c.JSON(http.StatusOK, model.DetectionResponse{
		Label:      res.Final.Label,
		Confidence: res.Final.Confidence,
		ModelUsed:  res.Selection.Model,
		Models:     res.Models,
		Selection:  res.Selection,
	})
}

// CompareImage answers with the per-model comparison only.
func (h *Handler) CompareImage(c *gin.Context) {
	img, _, ok := h.readImage(c)
	if !ok {
		return
	}

	res, err := h.engine.CompareImage(img)
	if err != nil {
		h.writeCompareError(c, err, "compare failed")
		return
	}

	c.JSON(http.StatusOK, res)
}

// ModelsComparison serves the offline evaluation document as-is.
func (h *Handler) ModelsComparison(c *gin.Context) {
	raw, err := h.metrics.ComparisonRaw()
	if errors.Is(err, metrics.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "comparison metrics not found. Run compare_models.py first."})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read comparison metrics: " + err.Error()})
		return
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read comparison metrics: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}

// Reload rebuilds the model set from disk without restarting the server.
func (h *Handler) Reload(c *gin.Context) {
	if err := h.admin.Reload(); err != nil {
		h.log.Error("reload failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	status := h.admin.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":        "reloaded",
		"model_present": status.ModelPresent,
		"svm_present":   status.SVMPresent,
		"rf_present":    status.RFPresent,
	})
}

// History returns the most recent accepted detections. With the store
// disabled it answers an empty list rather than an error.
func (h *Handler) History(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusOK, gin.H{"history": []store.Detection{}})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	detections, err := h.history.Recent(c.Request.Context(), limit)
	if err != nil {
		h.log.Error("failed to read history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}
	if detections == nil {
		detections = []store.Detection{}
	}
	c.JSON(http.StatusOK, gin.H{"history": detections})
}

// readImage pulls the multipart "image" field, enforces the size cap and
// decodes it. On failure it writes the error response and returns ok=false.
func (h *Handler) readImage(c *gin.Context) (image.Image, string, bool) {
	fileHeader, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no image provided"})
		return nil, "", false
	}

	if fileHeader.Size > h.maxUpload {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file too large"})
		return nil, "", false
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.log.Error("failed to open upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process file"})
		return nil, "", false
	}
	defer file.Close()

	img, format, err := preprocess.Decode(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image format. Supported: JPEG, PNG"})
		return nil, "", false
	}

	h.log.Debug("image received",
		zap.String("filename", fileHeader.Filename),
		zap.String("format", format),
		zap.Int64("size", fileHeader.Size))

	return img, fileHeader.Filename, true
}

// writeCompareError maps engine errors onto the API contract.
func (h *Handler) writeCompareError(c *gin.Context, err error, prefix string) {
	var notMango *detect.NotMangoError
	if errors.As(err, &notMango) {
		c.JSON(http.StatusBadRequest, gin.H{"error": notMango.Reason, "is_mango": false})
		return
	}
	if errors.Is(err, detect.ErrModelNotLoaded) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.log.Error(prefix, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": prefix + ": " + err.Error()})
}

// recordDetection saves an accepted detection; persistence failures are
// logged, never surfaced to the client.
func (h *Handler) recordDetection(ctx context.Context, filename string, res *model.ComparisonResult) {
	if h.history == nil {
		return
	}
	_, err := h.history.Save(ctx, store.Detection{
		Filename:   filename,
		Label:      res.Final.Label,
		Confidence: res.Final.Confidence,
		ModelUsed:  res.Selection.Model,
	})
	if err != nil {
		h.log.Warn("failed to record detection", zap.Error(err))
	}
}
