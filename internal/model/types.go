package model

// RunnerMetadata describes one exported ONNX model. Each .onnx file in the
// model directory has a sibling .json with these fields.
type RunnerMetadata struct {
	InputShape  []int64 `json:"input_shape"`
	OutputShape []int64 `json:"output_shape"`
	InputName   string  `json:"input_name,omitempty"`
	OutputName  string  `json:"output_name,omitempty"`
}

// Status reports which model files were loadable. SVM, random forest and
// the feature extractor are optional; the CNN is not.
type Status struct {
	ModelPresent    bool `json:"model_present"`
	FeaturesPresent bool `json:"features_present"`
	SVMPresent      bool `json:"svm_present"`
	RFPresent       bool `json:"rf_present"`
}

// ModelPrediction is one model's verdict on an image. Confidence is a
// percentage rounded to two decimals.
type ModelPrediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// SelectionDetail carries the validation accuracies the selection was
// based on (zero when unknown).
type SelectionDetail struct {
	CNNAcc float64 `json:"cnn_acc"`
	SVMAcc float64 `json:"svm_acc"`
	RFAcc  float64 `json:"rf_acc"`
}

// Selection records which model was chosen and why.
type Selection struct {
	Model  string          `json:"model"`
	Reason string          `json:"reason"`
	Detail SelectionDetail `json:"detail"`
}

// ComparisonResult is the full per-model comparison for one image.
type ComparisonResult struct {
	Models    map[string]ModelPrediction `json:"models"`
	Selection Selection                  `json:"selection"`
	Final     ModelPrediction            `json:"final"`
}

// DetectionResponse is the flat payload of POST /api/detect. It keeps the
// historical label/confidence fields and embeds the comparison alongside
// them so clients can render charts without a second upload.
type DetectionResponse struct {
	Label      string                     `json:"label"`
	Confidence float64                    `json:"confidence"`
	ModelUsed  string                     `json:"model_used"`
	Models     map[string]ModelPrediction `json:"models"`
	Selection  Selection                  `json:"selection"`
}
