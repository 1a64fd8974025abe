// Package metrics reads the evaluation artifacts the training pipeline
// writes next to the models: model_comparison.json and best_model.json.
package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	comparisonFile = "model_comparison.json"
	bestModelFile  = "best_model.json"
	metricsSubdir  = "metrics"
)

// ErrNotFound is returned when a metrics file does not exist on disk.
var ErrNotFound = errors.New("metrics file not found")

// ModelMetrics is one model's evaluation summary.
type ModelMetrics struct {
	Accuracy float64 `json:"accuracy"`
}

// ComparisonModels holds the per-model summaries plus the class names the
// evaluation ran against.
type ComparisonModels struct {
	CNN          *ModelMetrics `json:"cnn"`
	SVM          *ModelMetrics `json:"svm"`
	RandomForest *ModelMetrics `json:"random_forest"`
	ClassNames   []string      `json:"class_names"`
}

// BestEntry names the winner of the offline comparison.
type BestEntry struct {
	Name     string  `json:"name"`
	Accuracy float64 `json:"accuracy"`
}

// Comparison is the model_comparison.json document.
type Comparison struct {
	Models ComparisonModels `json:"models"`
	Best   BestEntry        `json:"best"`
}

// Source resolves metrics files relative to the model directory and
// re-reads them on every call, so dropping in fresh metrics takes effect
// without a reload.
type Source struct {
	modelDir string
}

func NewSource(modelDir string) *Source {
	return &Source{modelDir: modelDir}
}

// ComparisonPath returns where model_comparison.json is expected.
func (s *Source) ComparisonPath() string {
	return filepath.Join(s.modelDir, metricsSubdir, comparisonFile)
}

// Comparison loads and parses model_comparison.json.
func (s *Source) Comparison() (*Comparison, error) {
	raw, err := s.ComparisonRaw()
	if err != nil {
		return nil, err
	}
	var c Comparison
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.ComparisonPath(), err)
	}
	return &c, nil
}

// ComparisonRaw returns the raw document bytes for pass-through serving.
func (s *Source) ComparisonRaw() ([]byte, error) {
	raw, err := os.ReadFile(s.ComparisonPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return raw, nil
}

// Accuracies returns validation accuracies keyed by model name
// (cnn, svm, random_forest), and false when the metrics are unavailable.
func (s *Source) Accuracies() (map[string]float64, bool) {
	c, err := s.Comparison()
	if err != nil {
		return nil, false
	}
	accs := make(map[string]float64, 3)
	if c.Models.CNN != nil {
		accs["cnn"] = c.Models.CNN.Accuracy
	}
	if c.Models.SVM != nil {
		accs["svm"] = c.Models.SVM.Accuracy
	}
	if c.Models.RandomForest != nil {
		accs["random_forest"] = c.Models.RandomForest.Accuracy
	}
	if len(accs) == 0 {
		return nil, false
	}
	return accs, true
}

// BestModel reads best_model.json and returns the recorded winner, or ""
// when the file is absent or unreadable.
func (s *Source) BestModel() string {
	raw, err := os.ReadFile(filepath.Join(s.modelDir, bestModelFile))
	if err != nil {
		return ""
	}
	var doc struct {
		BestModel string `json:"best_model"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	return doc.BestModel
}
