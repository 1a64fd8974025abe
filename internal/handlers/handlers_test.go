package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mangovision/mango-api/internal/detect"
	"github.com/mangovision/mango-api/internal/metrics"
	"github.com/mangovision/mango-api/internal/model"
	"github.com/mangovision/mango-api/internal/store"
)

type stubComparer struct {
	res *model.ComparisonResult
	err error
}

func (s *stubComparer) CompareImage(_ image.Image) (*model.ComparisonResult, error) {
	return s.res, s.err
}

type stubAdmin struct {
	status    model.Status
	reloadErr error
	reloads   int
}

func (s *stubAdmin) Status() model.Status { return s.status }

func (s *stubAdmin) Reload() error {
	s.reloads++
	return s.reloadErr
}

type memHistory struct {
	saved     []store.Detection
	recentErr error
}

func (m *memHistory) Save(_ context.Context, det store.Detection) (store.Detection, error) {
	m.saved = append(m.saved, det)
	return det, nil
}

func (m *memHistory) Recent(_ context.Context, limit int) ([]store.Detection, error) {
	if m.recentErr != nil {
		return nil, m.recentErr
	}
	if limit > len(m.saved) {
		limit = len(m.saved)
	}
	return m.saved[:limit], nil
}

type env struct {
	router   *gin.Engine
	comparer *stubComparer
	admin    *stubAdmin
	history  *memHistory
	modelDir string
}

func newEnv(t *testing.T, history History) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	e := &env{
		comparer: &stubComparer{res: sampleResult()},
		admin:    &stubAdmin{status: model.Status{ModelPresent: true, SVMPresent: true, RFPresent: true}},
		modelDir: t.TempDir(),
	}
	if mh, ok := history.(*memHistory); ok {
		e.history = mh
	}

	h := NewHandler(e.comparer, e.admin, metrics.NewSource(e.modelDir), history, zap.NewNop(), 10<<20)
	e.router = gin.New()
	h.Register(e.router, "*")
	return e
}

func sampleResult() *model.ComparisonResult {
	preds := map[string]model.ModelPrediction{
		"cnn": {Label: "organic", Confidence: 92.31},
		"svm": {Label: "organic", Confidence: 88.4},
	}
	return &model.ComparisonResult{
		Models: preds,
		Selection: model.Selection{
			Model:  "cnn",
			Reason: "highest validation accuracy",
			Detail: model.SelectionDetail{CNNAcc: 0.91, SVMAcc: 0.88},
		},
		Final: preds["cnn"],
	}
}

// uploadRequest builds a multipart POST with the given bytes as the
// "image" field.
func uploadRequest(t *testing.T, path string, payload []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("image", "mango.png")
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 230, G: 170, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func do(e *env, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)

	rec := do(e, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["model_present"])
	assert.Nil(t, body["best_model"])
}

func TestHealthReportsBestModel(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(e.modelDir, "best_model.json"), []byte(`{"best_model": "svm"}`), 0o644))

	body := decodeBody(t, do(e, httptest.NewRequest(http.MethodGet, "/api/health", nil)))
	assert.Equal(t, "svm", body["best_model"])
}

func TestDetect(t *testing.T) {
	history := &memHistory{}
	e := newEnv(t, history)

	rec := do(e, uploadRequest(t, "/api/detect", pngBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "organic", body["label"])
	assert.Equal(t, 92.31, body["confidence"])
	assert.Equal(t, "cnn", body["model_used"])
	assert.Contains(t, body, "models")
	assert.Contains(t, body, "selection")

	require.Len(t, history.saved, 1)
	assert.Equal(t, "mango.png", history.saved[0].Filename)
	assert.Equal(t, "organic", history.saved[0].Label)
	assert.Equal(t, "cnn", history.saved[0].ModelUsed)
}

func TestDetectNoFile(t *testing.T) {
	e := newEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/detect", nil)
	rec := do(e, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no image provided", decodeBody(t, rec)["error"])
}

func TestDetectInvalidImage(t *testing.T) {
	e := newEnv(t, nil)

	rec := do(e, uploadRequest(t, "/api/detect", []byte("definitely not a png")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "invalid image format")
}

func TestDetectFileTooLarge(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(&stubComparer{res: sampleResult()}, &stubAdmin{}, metrics.NewSource(t.TempDir()), nil, zap.NewNop(), 8)
	router := gin.New()
	h.Register(router, "*")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/api/detect", pngBytes(t)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "file too large", decodeBody(t, rec)["error"])
}

func TestDetectRejectsNonMango(t *testing.T) {
	history := &memHistory{}
	e := newEnv(t, history)
	e.comparer.res = nil
	e.comparer.err = &detect.NotMangoError{Reason: "Low confidence (32.0%) - image may not be a mango"}

	rec := do(e, uploadRequest(t, "/api/detect", pngBytes(t)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["is_mango"])
	assert.Contains(t, body["error"], "Low confidence")
	assert.Empty(t, history.saved, "rejected images must not be recorded")
}

func TestDetectModelNotLoaded(t *testing.T) {
	e := newEnv(t, nil)
	e.comparer.res = nil
	e.comparer.err = detect.ErrModelNotLoaded

	rec := do(e, uploadRequest(t, "/api/detect", pngBytes(t)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDetectInferenceFailure(t *testing.T) {
	e := newEnv(t, nil)
	e.comparer.res = nil
	e.comparer.err = errors.New("tensor shape mismatch")

	rec := do(e, uploadRequest(t, "/api/detect", pngBytes(t)))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "prediction failed")
}

func TestCompareImage(t *testing.T) {
	e := newEnv(t, nil)

	rec := do(e, uploadRequest(t, "/api/compare-image", pngBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Contains(t, body, "models")
	assert.Contains(t, body, "selection")
	assert.Contains(t, body, "final")
}

func TestCompareImageFailure(t *testing.T) {
	e := newEnv(t, nil)
	e.comparer.res = nil
	e.comparer.err = errors.New("tensor shape mismatch")

	rec := do(e, uploadRequest(t, "/api/compare-image", pngBytes(t)))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "compare failed")
}

func TestModelsComparisonMissing(t *testing.T) {
	e := newEnv(t, nil)

	rec := do(e, httptest.NewRequest(http.MethodGet, "/api/models/comparison", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "comparison metrics not found")
}

func TestModelsComparison(t *testing.T) {
	e := newEnv(t, nil)
	metricsDir := filepath.Join(e.modelDir, "metrics")
	require.NoError(t, os.MkdirAll(metricsDir, 0o755))
	doc := `{"models": {"cnn": {"accuracy": 0.91}}, "best": {"name": "cnn", "accuracy": 0.91}}`
	require.NoError(t, os.WriteFile(filepath.Join(metricsDir, "model_comparison.json"), []byte(doc), 0o644))

	rec := do(e, httptest.NewRequest(http.MethodGet, "/api/models/comparison", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Contains(t, body, "models")
	assert.Contains(t, body, "best")
}

func TestReload(t *testing.T) {
	e := newEnv(t, nil)

	rec := do(e, httptest.NewRequest(http.MethodPost, "/api/reload", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "reloaded", body["status"])
	assert.Equal(t, true, body["model_present"])
	assert.Equal(t, true, body["svm_present"])
	assert.Equal(t, true, body["rf_present"])
	assert.Equal(t, 1, e.admin.reloads)
}

func TestReloadFailure(t *testing.T) {
	e := newEnv(t, nil)
	e.admin.reloadErr = errors.New("model not found")

	rec := do(e, httptest.NewRequest(http.MethodPost, "/api/reload", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "error", decodeBody(t, rec)["status"])
}

func TestHistoryDisabled(t *testing.T) {
	e := newEnv(t, nil)

	rec := do(e, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["history"])
}

func TestHistory(t *testing.T) {
	history := &memHistory{saved: []store.Detection{
		{ID: "a", Filename: "one.jpg", Label: "organic", Confidence: 90, ModelUsed: "cnn"},
		{ID: "b", Filename: "two.jpg", Label: "pesticide", Confidence: 85, ModelUsed: "svm"},
	}}
	e := newEnv(t, history)

	rec := do(e, httptest.NewRequest(http.MethodGet, "/api/history?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	items, ok := decodeBody(t, rec)["history"].([]any)
	require.True(t, ok)
	assert.Len(t, items, 1)
}

func TestHistoryBadLimit(t *testing.T) {
	e := newEnv(t, &memHistory{})

	rec := do(e, httptest.NewRequest(http.MethodGet, "/api/history?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t, nil)

	rec := do(e, httptest.NewRequest(http.MethodOptions, "/api/detect", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}
