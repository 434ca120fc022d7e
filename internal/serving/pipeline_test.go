package serving

import (
	"context"
	"errors"
	"math"
	"testing"
)

type identityExecutor struct{}

func (identityExecutor) Invoke(
	_ context.Context,
	_ ModelHandle,
	input NormalizedInput,
) ([]float64, error) {
	return input.Values, nil
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	pipeline, err := NewPipeline(identityExecutor{})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	return pipeline
}

func TestPreprocessTabularOrderAndScaling(t *testing.T) {
	pipeline := newTestPipeline(t)
	cfg := PreprocessConfig{
		FeatureOrder: []string{"age", "size", "grade"},
		FeatureScales: map[string]FeatureScale{
			"size": {Offset: 10, Scale: 5},
		},
		CategoryMaps: map[string]map[string]float64{
			"grade": {"low": 0, "high": 1},
		},
	}
	req := PredictionRequest{
		Kind:       KindTabular,
		Tabular:    map[string]float64{"age": 52, "size": 25},
		Parameters: map[string]string{"grade": "High"},
	}

	input, err := pipeline.Preprocess(req, cfg)
	if err != nil {
		t.Fatalf("Preprocess() error = %v", err)
	}
	want := []float64{52, 3, 1}
	if len(input.Values) != len(want) {
		t.Fatalf("got %d values, want %d", len(input.Values), len(want))
	}
	for i, v := range want {
		if input.Values[i] != v {
			t.Fatalf("values[%d] = %v, want %v", i, input.Values[i], v)
		}
	}
	if input.Shape[0] != 1 || input.Shape[1] != 3 {
		t.Fatalf("shape = %v, want [1 3]", input.Shape)
	}
}

func TestPreprocessTabularMissingFeature(t *testing.T) {
	pipeline := newTestPipeline(t)
	cfg := PreprocessConfig{FeatureOrder: []string{"age", "size"}}
	req := PredictionRequest{Kind: KindTabular, Tabular: map[string]float64{"age": 40}}

	_, err := pipeline.Preprocess(req, cfg)
	if !errors.Is(err, ErrPreprocess) {
		t.Fatalf("Preprocess() error = %v, want ErrPreprocess", err)
	}
}

func TestPreprocessTextTokenizePadTruncate(t *testing.T) {
	pipeline := newTestPipeline(t)
	cfg := PreprocessConfig{
		Vocabulary:   map[string]int{"irregular": 5, "mass": 7},
		MaxTokens:    4,
		PadToken:     0,
		UnknownToken: 1,
	}
	req := PredictionRequest{Kind: KindText, Text: "Irregular spiculated mass."}

	input, err := pipeline.Preprocess(req, cfg)
	if err != nil {
		t.Fatalf("Preprocess() error = %v", err)
	}
	want := []float64{5, 1, 7, 0}
	for i, v := range want {
		if input.Values[i] != v {
			t.Fatalf("values[%d] = %v, want %v", i, input.Values[i], v)
		}
	}
}

func TestPreprocessImageResizeAndNormalize(t *testing.T) {
	pipeline := newTestPipeline(t)
	cfg := PreprocessConfig{
		TargetHeight:   1,
		TargetWidth:    2,
		TargetChannels: 1,
		PixelMean:      100,
		PixelStd:       50,
	}
	req := PredictionRequest{
		Kind: KindImage,
		Image: &ImageInput{
			Width: 4, Height: 2, Channels: 1,
			Pixels: []float64{100, 150, 200, 250, 0, 50, 100, 150},
		},
	}

	input, err := pipeline.Preprocess(req, cfg)
	if err != nil {
		t.Fatalf("Preprocess() error = %v", err)
	}
	if len(input.Values) != 2 {
		t.Fatalf("got %d values, want 2", len(input.Values))
	}
	// Nearest-neighbor picks pixels (0,0)=100 and (0,2)=200.
	if input.Values[0] != 0 || input.Values[1] != 2 {
		t.Fatalf("values = %v, want [0 2]", input.Values)
	}
}

func TestPreprocessImageShapeMismatch(t *testing.T) {
	pipeline := newTestPipeline(t)
	req := PredictionRequest{
		Kind:  KindImage,
		Image: &ImageInput{Width: 2, Height: 2, Channels: 1, Pixels: []float64{1, 2, 3}},
	}

	_, err := pipeline.Preprocess(req, PreprocessConfig{})
	if !errors.Is(err, ErrPreprocess) {
		t.Fatalf("Preprocess() error = %v, want ErrPreprocess", err)
	}
}

func TestCheckRejectsUnsupportedCombo(t *testing.T) {
	pipeline := newTestPipeline(t)
	if err := pipeline.Check(KindText, TypeSegmentation); !errors.Is(err, ErrUnsupportedInput) {
		t.Fatalf("Check() error = %v, want ErrUnsupportedInput", err)
	}
	if err := pipeline.Check(KindTabular, TypeClassifier); err != nil {
		t.Fatalf("Check() error = %v for supported combo", err)
	}
}

func TestPostprocessClassifierAlreadyNormalized(t *testing.T) {
	pipeline := newTestPipeline(t)
	desc := ModelDescriptor{Type: TypeClassifier, OutputLabels: []string{"benign", "malignant"}}

	output, err := pipeline.Postprocess([]float64{0.2, 0.8}, desc)
	if err != nil {
		t.Fatalf("Postprocess() error = %v", err)
	}
	cls := output.Classification
	if cls == nil {
		t.Fatalf("classification output is nil")
	}
	if cls.PredictedIndex != 1 || cls.Label != "malignant" {
		t.Fatalf("predicted %d/%q, want 1/malignant", cls.PredictedIndex, cls.Label)
	}
	if cls.Confidence != 0.8 {
		t.Fatalf("confidence = %v, want 0.8 (no renormalization)", cls.Confidence)
	}
}

func TestPostprocessClassifierRenormalizesLogits(t *testing.T) {
	pipeline := newTestPipeline(t)
	desc := ModelDescriptor{Type: TypeClassifier}

	output, err := pipeline.Postprocess([]float64{2, -1, 0.5}, desc)
	if err != nil {
		t.Fatalf("Postprocess() error = %v", err)
	}
	cls := output.Classification
	sum := 0.0
	for _, p := range cls.Distribution {
		if p < 0 || p > 1 {
			t.Fatalf("distribution value %v outside [0,1]", p)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("distribution sums to %v, want 1", sum)
	}
	if cls.PredictedIndex != 0 {
		t.Fatalf("predicted index = %d, want 0", cls.PredictedIndex)
	}
	if cls.Label != "class_0" {
		t.Fatalf("label = %q, want fallback class_0", cls.Label)
	}
}

func TestPostprocessRegressorScaleAndClamp(t *testing.T) {
	pipeline := newTestPipeline(t)
	clampMax := 100.0
	desc := ModelDescriptor{
		Type: TypeRegressor,
		Postprocess: PostprocessConfig{
			OutputScale:  50,
			OutputOffset: 50,
			ClampMax:     &clampMax,
		},
	}

	output, err := pipeline.Postprocess([]float64{0.5}, desc)
	if err != nil {
		t.Fatalf("Postprocess() error = %v", err)
	}
	if output.Regression.Value != 75 {
		t.Fatalf("value = %v, want 75", output.Regression.Value)
	}

	output, err = pipeline.Postprocess([]float64{2}, desc)
	if err != nil {
		t.Fatalf("Postprocess() error = %v", err)
	}
	if output.Regression.Value != 100 {
		t.Fatalf("value = %v, want clamped 100", output.Regression.Value)
	}
}

func TestPostprocessSegmentationCoverage(t *testing.T) {
	pipeline := newTestPipeline(t)
	desc := ModelDescriptor{Type: TypeSegmentation, OutputLabels: []string{"background", "tumor"}}

	output, err := pipeline.Postprocess([]float64{0, 0, 0, 1}, desc)
	if err != nil {
		t.Fatalf("Postprocess() error = %v", err)
	}
	coverage := output.Segmentation.ClassCoverage
	if coverage["background"] != 0.75 || coverage["tumor"] != 0.25 {
		t.Fatalf("coverage = %v, want background=0.75 tumor=0.25", coverage)
	}
}

func TestPostprocessDetectionThresholdAndLabels(t *testing.T) {
	pipeline := newTestPipeline(t)
	desc := ModelDescriptor{
		Type:         TypeDetection,
		Postprocess:  PostprocessConfig{ConfidenceThreshold: 0.5},
		OutputLabels: []string{"calcification", "mass"},
	}
	raw := []float64{
		1, 0.9, 0.1, 0.1, 0.5, 0.5,
		0, 0.2, 0.4, 0.4, 0.2, 0.2,
	}

	output, err := pipeline.Postprocess(raw, desc)
	if err != nil {
		t.Fatalf("Postprocess() error = %v", err)
	}
	detections := output.Detection.Detections
	if len(detections) != 1 {
		t.Fatalf("got %d detections, want 1", len(detections))
	}
	if detections[0].Label != "mass" || detections[0].Confidence != 0.9 {
		t.Fatalf("detection = %+v, want mass@0.9", detections[0])
	}
}

func TestPostprocessDetectionMalformedOutput(t *testing.T) {
	pipeline := newTestPipeline(t)
	desc := ModelDescriptor{Type: TypeDetection}

	_, err := pipeline.Postprocess([]float64{1, 0.9, 0.1}, desc)
	if !errors.Is(err, ErrPostprocess) {
		t.Fatalf("Postprocess() error = %v, want ErrPostprocess", err)
	}
}
