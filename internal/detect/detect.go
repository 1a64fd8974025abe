// Package detect runs the CNN, SVM and random forest over one image,
// rejects images that are unlikely to be mangoes, and picks the best
// model by validation accuracy.
package detect

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strconv"

	"go.uber.org/zap"

	"github.com/mangovision/mango-api/internal/model"
	"github.com/mangovision/mango-api/internal/preprocess"
)

// Model names as they appear in API payloads and metrics files.
const (
	ModelCNN = "cnn"
	ModelSVM = "svm"
	ModelRF  = "random_forest"
)

// DefaultThreshold is the minimum top confidence for an image to count as
// a mango. The average-confidence floor is 0.8 * threshold.
const DefaultThreshold = 0.50

// modelOrder fixes tie-breaking: earlier models win equal scores.
var modelOrder = []string{ModelCNN, ModelSVM, ModelRF}

// ErrModelNotLoaded means the CNN is unavailable and nothing can be
// predicted.
var ErrModelNotLoaded = errors.New("classifier model is not loaded")

// NotMangoError rejects an image whose confidences suggest it is not a
// mango at all. It is an application outcome, not an inference failure.
type NotMangoError struct {
	Reason string
}

func (e *NotMangoError) Error() string { return e.Reason }

// Provider hands out a consistent model snapshot for the duration of one
// request.
type Provider interface {
	Acquire() (model.Set, func())
}

// AccuracySource supplies validation accuracies keyed by model name. The
// second return is false when metrics are unavailable.
type AccuracySource interface {
	Accuracies() (map[string]float64, bool)
}

// Engine is the comparison pipeline. It is safe for concurrent use as
// long as its Provider is.
type Engine struct {
	provider  Provider
	accs      AccuracySource
	threshold float64
	log       *zap.Logger
}

func NewEngine(provider Provider, accs AccuracySource, threshold float64, log *zap.Logger) *Engine {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Engine{provider: provider, accs: accs, threshold: threshold, log: log}
}

// CompareImage runs every available model on img and returns the
// per-model comparison, the selection and the final prediction. A
// *NotMangoError is returned when the confidence gate rejects the image.
func (e *Engine) CompareImage(img image.Image) (*model.ComparisonResult, error) {
	set, release := e.provider.Acquire()
	defer release()

	if set.CNN == nil {
		return nil, ErrModelNotLoaded
	}

	cnnLabel, cnnConf, err := e.predictCNN(set, img)
	if err != nil {
		return nil, err
	}

	preds := map[string]model.ModelPrediction{
		ModelCNN: {Label: cnnLabel, Confidence: roundPercent(cnnConf)},
	}
	confidences := []float64{cnnConf}

	feats, err := e.extractFeatures(set, img)
	if err != nil {
		return nil, err
	}
	if feats != nil {
		if label, conf, ok := e.predictVector(set.SVM, "svm", feats, set.Classes); ok {
			preds[ModelSVM] = model.ModelPrediction{Label: label, Confidence: roundPercent(conf)}
			confidences = append(confidences, conf)
		}
		if label, conf, ok := e.predictVector(set.RF, "random forest", feats, set.Classes); ok {
			preds[ModelRF] = model.ModelPrediction{Label: label, Confidence: roundPercent(conf)}
			confidences = append(confidences, conf)
		}
	}

	if err := e.validateMango(confidences); err != nil {
		return nil, err
	}

	selection := e.selectModel(preds)

	return &model.ComparisonResult{
		Models:    preds,
		Selection: selection,
		Final:     preds[selection.Model],
	}, nil
}

func (e *Engine) predictCNN(set model.Set, img image.Image) (string, float64, error) {
	input := preprocess.Scaled(img, set.InputSize)
	out, err := set.CNN.Predict(input)
	if err != nil {
		return "", 0, fmt.Errorf("cnn prediction failed: %w", err)
	}
	if len(out) == 0 {
		return "", 0, errors.New("cnn returned an empty output")
	}

	var idx int
	var conf float64
	if len(out) == 1 {
		// binary sigmoid head: one probability for class 1
		p := float64(out[0])
		if p >= 0.5 {
			idx, conf = 1, p
		} else {
			idx, conf = 0, 1.0-p
		}
	} else {
		probs := softmax(out)
		idx = argmax(probs)
		conf = probs[idx]
	}
	return className(set.Classes, idx), conf, nil
}

func (e *Engine) extractFeatures(set model.Set, img image.Image) ([]float32, error) {
	if set.Features == nil || (set.SVM == nil && set.RF == nil) {
		return nil, nil
	}
	input := preprocess.Raw(img, set.InputSize)
	feats, err := set.Features.Predict(input)
	if err != nil {
		return nil, fmt.Errorf("feature extraction failed: %w", err)
	}
	return feats, nil
}

// predictVector runs one of the feature-based classifiers. A failing
// classifier drops out of the comparison instead of failing the request.
func (e *Engine) predictVector(c model.Classifier, name string, feats []float32, classes []string) (string, float64, bool) {
	if c == nil {
		return "", 0, false
	}
	proba, err := c.Predict(feats)
	if err != nil || len(proba) == 0 {
		e.log.Warn("classifier skipped", zap.String("model", name), zap.Error(err))
		return "", 0, false
	}
	probs := make([]float64, len(proba))
	for i, p := range proba {
		probs[i] = float64(p)
	}
	idx := argmax(probs)
	return className(classes, idx), probs[idx], true
}

// validateMango applies the confidence gate: when even the best model is
// unsure, the image is probably not a mango.
func (e *Engine) validateMango(confidences []float64) error {
	if len(confidences) == 0 {
		return &NotMangoError{Reason: "No valid predictions available"}
	}

	maxConf, sum := confidences[0], 0.0
	for _, c := range confidences {
		if c > maxConf {
			maxConf = c
		}
		sum += c
	}
	avgConf := sum / float64(len(confidences))

	if maxConf < e.threshold {
		return &NotMangoError{
			Reason: fmt.Sprintf("Low confidence (%.1f%%) - image may not be a mango", maxConf*100),
		}
	}
	if avgConf < e.threshold*0.8 {
		return &NotMangoError{
			Reason: fmt.Sprintf("Average confidence too low (%.1f%%) - image may not be a mango", avgConf*100),
		}
	}
	return nil
}

// selectModel prefers the highest validation accuracy and falls back to
// the highest confidence on this image when metrics are unavailable.
func (e *Engine) selectModel(preds map[string]model.ModelPrediction) model.Selection {
	accs, ok := e.accs.Accuracies()

	detail := model.SelectionDetail{
		CNNAcc: accs[ModelCNN],
		SVMAcc: accs[ModelSVM],
		RFAcc:  accs[ModelRF],
	}

	if ok {
		best, bestAcc := "", -1.0
		for _, name := range modelOrder {
			acc, hasAcc := accs[name]
			if _, ran := preds[name]; ran && hasAcc && acc > bestAcc {
				best, bestAcc = name, acc
			}
		}
		if best != "" {
			return model.Selection{Model: best, Reason: "highest validation accuracy", Detail: detail}
		}
	}

	best, bestConf := ModelCNN, -1.0
	for _, name := range modelOrder {
		if p, ran := preds[name]; ran && p.Confidence > bestConf {
			best, bestConf = name, p.Confidence
		}
	}
	return model.Selection{Model: best, Reason: "highest confidence on this image", Detail: detail}
}

func className(classes []string, idx int) string {
	if idx >= 0 && idx < len(classes) {
		return classes[idx]
	}
	return strconv.Itoa(idx)
}

func softmax(raw []float32) []float64 {
	maxVal := float64(raw[0])
	for _, v := range raw[1:] {
		if float64(v) > maxVal {
			maxVal = float64(v)
		}
	}
	out := make([]float64, len(raw))
	sum := 0.0
	for i, v := range raw {
		out[i] = math.Exp(float64(v) - maxVal)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func argmax(vals []float64) int {
	idx := 0
	for i, v := range vals {
		if v > vals[idx] {
			idx = i
		}
	}
	return idx
}

// roundPercent converts a 0..1 confidence to a percentage with two
// decimals, matching the wire format of the comparison payloads.
func roundPercent(conf float64) float64 {
	return math.Round(conf*10000) / 100
}
