package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleComparison = `{
  "models": {
    "cnn": {"accuracy": 0.9125},
    "svm": {"accuracy": 0.9450},
    "random_forest": {"accuracy": 0.8875},
    "class_names": ["organic", "pesticide"]
  },
  "best": {"name": "svm", "accuracy": 0.9450}
}`

func writeComparison(t *testing.T, dir, content string) {
	t.Helper()
	metricsDir := filepath.Join(dir, "metrics")
	require.NoError(t, os.MkdirAll(metricsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(metricsDir, "model_comparison.json"), []byte(content), 0o644))
}

func TestComparison(t *testing.T) {
	dir := t.TempDir()
	writeComparison(t, dir, sampleComparison)

	c, err := NewSource(dir).Comparison()
	require.NoError(t, err)

	require.NotNil(t, c.Models.CNN)
	assert.Equal(t, 0.9125, c.Models.CNN.Accuracy)
	assert.Equal(t, []string{"organic", "pesticide"}, c.Models.ClassNames)
	assert.Equal(t, "svm", c.Best.Name)
}

func TestComparisonMissing(t *testing.T) {
	_, err := NewSource(t.TempDir()).Comparison()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestComparisonInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	writeComparison(t, dir, "{not json")

	_, err := NewSource(dir).Comparison()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestAccuracies(t *testing.T) {
	dir := t.TempDir()
	writeComparison(t, dir, sampleComparison)

	accs, ok := NewSource(dir).Accuracies()
	require.True(t, ok)
	assert.Equal(t, 0.9125, accs["cnn"])
	assert.Equal(t, 0.9450, accs["svm"])
	assert.Equal(t, 0.8875, accs["random_forest"])
}

func TestAccuraciesPartialDocument(t *testing.T) {
	dir := t.TempDir()
	writeComparison(t, dir, `{"models": {"cnn": {"accuracy": 0.9}}}`)

	accs, ok := NewSource(dir).Accuracies()
	require.True(t, ok)
	assert.Len(t, accs, 1)
	assert.Equal(t, 0.9, accs["cnn"])
}

func TestAccuraciesUnavailable(t *testing.T) {
	_, ok := NewSource(t.TempDir()).Accuracies()
	assert.False(t, ok)

	dir := t.TempDir()
	writeComparison(t, dir, `{"models": {}}`)
	_, ok = NewSource(dir).Accuracies()
	assert.False(t, ok)
}

func TestBestModel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "best_model.json"), []byte(`{"best_model": "cnn"}`), 0o644))

	assert.Equal(t, "cnn", NewSource(dir).BestModel())
}

func TestBestModelMissingOrBroken(t *testing.T) {
	assert.Equal(t, "", NewSource(t.TempDir()).BestModel())

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "best_model.json"), []byte("oops"), 0o644))
	assert.Equal(t, "", NewSource(dir).BestModel())
}
