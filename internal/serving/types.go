package serving

import (
	"fmt"
	"strings"
	"time"
)

// InputKind selects the preprocessing path for a request payload.
type InputKind string

const (
	KindTabular  InputKind = "tabular"
	KindImage    InputKind = "image"
	KindText     InputKind = "text"
	KindRawArray InputKind = "raw_array"
)

var inputKinds = map[InputKind]struct{}{
	KindTabular:  {},
	KindImage:    {},
	KindText:     {},
	KindRawArray: {},
}

// ModelType selects the postprocessing path for a model's raw output.
type ModelType string

const (
	TypeClassifier   ModelType = "classifier"
	TypeRegressor    ModelType = "regressor"
	TypeSegmentation ModelType = "segmentation"
	TypeDetection    ModelType = "detection"
)

var modelTypes = map[ModelType]struct{}{
	TypeClassifier:   {},
	TypeRegressor:    {},
	TypeSegmentation: {},
	TypeDetection:    {},
}

func ParseInputKind(value string) (InputKind, error) {
	kind := InputKind(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := inputKinds[kind]; !ok {
		return "", fmt.Errorf("unsupported input kind %q", value)
	}
	return kind, nil
}

func ParseModelType(value string) (ModelType, error) {
	modelType := ModelType(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := modelTypes[modelType]; !ok {
		return "", fmt.Errorf("unsupported model type %q", value)
	}
	return modelType, nil
}

// FeatureScale describes a per-feature affine normalization:
// normalized = (value - Offset) / Scale.
type FeatureScale struct {
	Offset float64 `json:"offset"`
	Scale  float64 `json:"scale"`
}

// PreprocessConfig carries kind-specific preprocessing parameters. Only the
// fields matching the request's input kind are consulted.
type PreprocessConfig struct {
	// Tabular.
	FeatureOrder  []string                      `json:"feature_order,omitempty"`
	FeatureScales map[string]FeatureScale       `json:"feature_scales,omitempty"`
	CategoryMaps  map[string]map[string]float64 `json:"category_maps,omitempty"`

	// Image.
	TargetHeight   int     `json:"target_height,omitempty"`
	TargetWidth    int     `json:"target_width,omitempty"`
	TargetChannels int     `json:"target_channels,omitempty"`
	PixelMean      float64 `json:"pixel_mean,omitempty"`
	PixelStd       float64 `json:"pixel_std,omitempty"`

	// Text.
	Vocabulary   map[string]int `json:"vocabulary,omitempty"`
	MaxTokens    int            `json:"max_tokens,omitempty"`
	PadToken     int            `json:"pad_token,omitempty"`
	UnknownToken int            `json:"unknown_token,omitempty"`
}

// PostprocessConfig carries model-type-specific postprocessing parameters.
type PostprocessConfig struct {
	// Regressor inverse scaling: value = raw*OutputScale + OutputOffset.
	OutputScale  float64  `json:"output_scale,omitempty"`
	OutputOffset float64  `json:"output_offset,omitempty"`
	ClampMin     *float64 `json:"clamp_min,omitempty"`
	ClampMax     *float64 `json:"clamp_max,omitempty"`

	// Detection.
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
}

// ModelDescriptor is the static metadata for a logical model. Descriptors are
// immutable once registered; the registry owns them, the cache only keys off
// Name and Version.
type ModelDescriptor struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Type         ModelType         `json:"model_type"`
	Preprocess   PreprocessConfig  `json:"preprocessing,omitempty"`
	Postprocess  PostprocessConfig `json:"postprocessing,omitempty"`
	OutputLabels []string          `json:"output_labels,omitempty"`
}

// Key derives the cache/monitor key for a descriptor.
func (d ModelDescriptor) Key() string {
	return d.Name + ":" + d.Version
}

func (d ModelDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("model name must not be empty")
	}
	if strings.TrimSpace(d.Version) == "" {
		return fmt.Errorf("model %q version must not be empty", d.Name)
	}
	if _, ok := modelTypes[d.Type]; !ok {
		return fmt.Errorf("model %q has unsupported type %q", d.Name, d.Type)
	}
	return nil
}

// ImageInput is a dense pixel buffer in row-major HWC order.
type ImageInput struct {
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Channels int       `json:"channels"`
	Pixels   []float64 `json:"pixels"`
}

// PredictionRequest is one caller invocation. It is immutable and consumed
// once. Exactly one of Tabular/Image/Text/Raw is expected, matching Kind.
type PredictionRequest struct {
	RequestID  string             `json:"request_id,omitempty"`
	ModelKey   string             `json:"model_key"`
	Kind       InputKind          `json:"input_kind"`
	Tabular    map[string]float64 `json:"tabular,omitempty"`
	Image      *ImageInput        `json:"image,omitempty"`
	Text       string             `json:"text,omitempty"`
	Raw        []float64          `json:"raw,omitempty"`
	Parameters map[string]string  `json:"parameters,omitempty"`
	TimeoutMS  int64              `json:"timeout_ms,omitempty"`
	Priority   int                `json:"priority,omitempty"`
}

// NormalizedInput is the preprocessed single-row batch handed to the model
// executor. Shape always has a leading batch dimension of 1.
type NormalizedInput struct {
	Values []float64 `json:"values"`
	Shape  []int     `json:"shape"`
}

type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

type ClassificationOutput struct {
	PredictedIndex int       `json:"predicted_index"`
	Label          string    `json:"label"`
	Confidence     float64   `json:"confidence"`
	Distribution   []float64 `json:"distribution"`
}

type RegressionOutput struct {
	Value float64 `json:"value"`
}

type SegmentationOutput struct {
	// ClassCoverage maps class label to the fraction of pixels assigned to it.
	ClassCoverage map[string]float64 `json:"class_coverage"`
}

type Detection struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

type DetectionOutput struct {
	Detections []Detection `json:"detections"`
}

// PredictionOutput is the structured, model-type-specific result. Exactly one
// of the pointer fields is set, matching Type.
type PredictionOutput struct {
	Type           ModelType             `json:"model_type"`
	Classification *ClassificationOutput `json:"classification,omitempty"`
	Regression     *RegressionOutput     `json:"regression,omitempty"`
	Segmentation   *SegmentationOutput   `json:"segmentation,omitempty"`
	Detection      *DetectionOutput      `json:"detection,omitempty"`
}

// PredictionResult is produced exactly once per request and never mutated
// afterwards. Confidence is meaningful only for classifier models.
type PredictionResult struct {
	RequestID  string            `json:"request_id"`
	ModelKey   string            `json:"model_key"`
	Status     ResultStatus      `json:"status"`
	Output     *PredictionOutput `json:"output,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Error      string            `json:"error,omitempty"`
	LatencyMS  float64           `json:"latency_ms"`
}

type JobStatus string

const (
	JobQueued             JobStatus = "queued"
	JobProcessing         JobStatus = "processing"
	JobCompleted          JobStatus = "completed"
	JobPartiallyCompleted JobStatus = "partially_completed"
	JobFailed             JobStatus = "failed"
	JobCancelled          JobStatus = "cancelled"
)

// Terminal reports whether no further transition can occur from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobPartiallyCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// BatchItemError is one entry in a job's append-only error log. Index is the
// item's sequential position within the submitted data source.
type BatchItemError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// BatchJob is the externally visible snapshot of one batch job. Snapshots are
// copies; once a job reaches a terminal status successive snapshots are
// identical.
type BatchJob struct {
	JobID            string           `json:"job_id"`
	ModelKey         string           `json:"model_key"`
	Status           JobStatus        `json:"status"`
	TotalSamples     int              `json:"total_samples"`
	ProcessedSamples int              `json:"processed_samples"`
	SuccessCount     int              `json:"success_count"`
	FailureCount     int              `json:"failure_count"`
	ProgressPercent  float64          `json:"progress_percent"`
	ETASeconds       float64          `json:"eta_seconds"`
	ErrorLog         []BatchItemError `json:"error_log,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	EndedAt          *time.Time       `json:"ended_at,omitempty"`
	OutputFormat     string           `json:"output_format"`
}

// ResultsDocument is the artifact handed to the exporter on job completion:
// the full ordered result list plus a computed summary.
type ResultsDocument struct {
	JobID    string             `json:"job_id"`
	ModelKey string             `json:"model_key"`
	Format   string             `json:"format"`
	Results  []PredictionResult `json:"results"`
	Summary  JobSummary         `json:"summary"`
}
