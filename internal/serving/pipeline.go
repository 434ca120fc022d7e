package serving

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	defaultMaxTokens   = 128
	defaultPixelStd    = 1.0
	detectionRowWidth  = 6 // class, confidence, x, y, w, h
	distributionSumTol = 1e-6
)

// PreprocessFunc turns a request payload into a normalized single-row batch.
type PreprocessFunc func(req PredictionRequest, cfg PreprocessConfig) (NormalizedInput, error)

// PostprocessFunc turns a raw executor output into a structured result.
type PostprocessFunc func(raw []float64, desc ModelDescriptor) (PredictionOutput, error)

var supportedCombos = map[InputKind]map[ModelType]struct{}{
	KindTabular: {
		TypeClassifier: {},
		TypeRegressor:  {},
	},
	KindText: {
		TypeClassifier: {},
		TypeRegressor:  {},
	},
	KindImage: {
		TypeClassifier:   {},
		TypeSegmentation: {},
		TypeDetection:    {},
	},
	KindRawArray: {
		TypeClassifier:   {},
		TypeRegressor:    {},
		TypeSegmentation: {},
		TypeDetection:    {},
	},
}

// Pipeline is the preprocess -> invoke -> postprocess sequence applied per
// prediction. Dispatch is closed over the known kinds and model types; both
// sides accept additional registered handlers for extensibility.
type Pipeline struct {
	executor ModelExecutor
	pre      map[InputKind]PreprocessFunc
	post     map[ModelType]PostprocessFunc
}

func NewPipeline(executor ModelExecutor) (*Pipeline, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor must not be nil")
	}
	p := &Pipeline{
		executor: executor,
		pre:      make(map[InputKind]PreprocessFunc, len(inputKinds)),
		post:     make(map[ModelType]PostprocessFunc, len(modelTypes)),
	}
	p.pre[KindTabular] = preprocessTabular
	p.pre[KindImage] = preprocessImage
	p.pre[KindText] = preprocessText
	p.pre[KindRawArray] = preprocessRawArray
	p.post[TypeClassifier] = postprocessClassifier
	p.post[TypeRegressor] = postprocessRegressor
	p.post[TypeSegmentation] = postprocessSegmentation
	p.post[TypeDetection] = postprocessDetection
	return p, nil
}

// RegisterPreprocessor installs or replaces the handler for kind.
func (p *Pipeline) RegisterPreprocessor(kind InputKind, fn PreprocessFunc) {
	p.pre[kind] = fn
}

// RegisterPostprocessor installs or replaces the handler for modelType.
func (p *Pipeline) RegisterPostprocessor(modelType ModelType, fn PostprocessFunc) {
	p.post[modelType] = fn
}

// Check validates that kind can feed a model of the given type before any
// work is done. Registered custom handlers widen the closed combination set.
func (p *Pipeline) Check(kind InputKind, modelType ModelType) error {
	if _, ok := p.pre[kind]; !ok {
		return fmt.Errorf("%w: no preprocessor for kind %q", ErrUnsupportedInput, kind)
	}
	if _, ok := p.post[modelType]; !ok {
		return fmt.Errorf("%w: no postprocessor for model type %q", ErrUnsupportedInput, modelType)
	}
	if combos, ok := supportedCombos[kind]; ok {
		if _, ok := combos[modelType]; !ok {
			return fmt.Errorf(
				"%w: kind %q cannot feed model type %q",
				ErrUnsupportedInput, kind, modelType,
			)
		}
	}
	return nil
}

func (p *Pipeline) Preprocess(req PredictionRequest, cfg PreprocessConfig) (NormalizedInput, error) {
	fn, ok := p.pre[req.Kind]
	if !ok {
		return NormalizedInput{}, fmt.Errorf(
			"%w: no preprocessor for kind %q", ErrUnsupportedInput, req.Kind,
		)
	}
	input, err := fn(req, cfg)
	if err != nil {
		return NormalizedInput{}, fmt.Errorf("%w: %v", ErrPreprocess, err)
	}
	return input, nil
}

func (p *Pipeline) Invoke(
	ctx context.Context,
	handle ModelHandle,
	input NormalizedInput,
) ([]float64, error) {
	raw, err := p.executor.Invoke(ctx, handle, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelExecution, err)
	}
	return raw, nil
}

func (p *Pipeline) Postprocess(raw []float64, desc ModelDescriptor) (PredictionOutput, error) {
	fn, ok := p.post[desc.Type]
	if !ok {
		return PredictionOutput{}, fmt.Errorf(
			"%w: no postprocessor for model type %q", ErrUnsupportedInput, desc.Type,
		)
	}
	output, err := fn(raw, desc)
	if err != nil {
		return PredictionOutput{}, fmt.Errorf("%w: %v", ErrPostprocess, err)
	}
	return output, nil
}

func preprocessTabular(req PredictionRequest, cfg PreprocessConfig) (NormalizedInput, error) {
	if len(cfg.FeatureOrder) == 0 {
		return NormalizedInput{}, fmt.Errorf("tabular model has no configured feature order")
	}
	values := make([]float64, 0, len(cfg.FeatureOrder))
	for _, feature := range cfg.FeatureOrder {
		var value float64
		if categories, ok := cfg.CategoryMaps[feature]; ok {
			rawValue, present := req.Parameters[feature]
			if !present {
				return NormalizedInput{}, fmt.Errorf("missing categorical feature %q", feature)
			}
			encoded, known := categories[strings.ToLower(strings.TrimSpace(rawValue))]
			if !known {
				return NormalizedInput{}, fmt.Errorf(
					"unknown category %q for feature %q", rawValue, feature,
				)
			}
			value = encoded
		} else {
			numeric, present := req.Tabular[feature]
			if !present {
				return NormalizedInput{}, fmt.Errorf("missing feature %q", feature)
			}
			value = numeric
		}
		if scale, ok := cfg.FeatureScales[feature]; ok {
			divisor := scale.Scale
			if divisor == 0 {
				divisor = 1
			}
			value = (value - scale.Offset) / divisor
		}
		values = append(values, value)
	}
	return NormalizedInput{Values: values, Shape: []int{1, len(values)}}, nil
}

func preprocessImage(req PredictionRequest, cfg PreprocessConfig) (NormalizedInput, error) {
	img := req.Image
	if img == nil {
		return NormalizedInput{}, fmt.Errorf("image payload is missing")
	}
	if img.Width <= 0 || img.Height <= 0 || img.Channels <= 0 {
		return NormalizedInput{}, fmt.Errorf(
			"invalid image dimensions %dx%dx%d", img.Width, img.Height, img.Channels,
		)
	}
	if len(img.Pixels) != img.Width*img.Height*img.Channels {
		return NormalizedInput{}, fmt.Errorf(
			"pixel buffer length %d does not match %dx%dx%d",
			len(img.Pixels), img.Width, img.Height, img.Channels,
		)
	}

	targetHeight := cfg.TargetHeight
	if targetHeight <= 0 {
		targetHeight = img.Height
	}
	targetWidth := cfg.TargetWidth
	if targetWidth <= 0 {
		targetWidth = img.Width
	}
	channels := cfg.TargetChannels
	if channels <= 0 {
		channels = img.Channels
	}
	if channels > img.Channels {
		return NormalizedInput{}, fmt.Errorf(
			"cannot expand %d channels to %d", img.Channels, channels,
		)
	}

	std := cfg.PixelStd
	if std == 0 {
		std = defaultPixelStd
	}

	// Nearest-neighbor resize over HWC, then per-pixel normalization.
	values := make([]float64, 0, targetHeight*targetWidth*channels)
	for y := 0; y < targetHeight; y++ {
		srcY := y * img.Height / targetHeight
		for x := 0; x < targetWidth; x++ {
			srcX := x * img.Width / targetWidth
			base := (srcY*img.Width + srcX) * img.Channels
			for c := 0; c < channels; c++ {
				values = append(values, (img.Pixels[base+c]-cfg.PixelMean)/std)
			}
		}
	}
	return NormalizedInput{
		Values: values,
		Shape:  []int{1, targetHeight, targetWidth, channels},
	}, nil
}

func preprocessText(req PredictionRequest, cfg PreprocessConfig) (NormalizedInput, error) {
	if strings.TrimSpace(req.Text) == "" {
		return NormalizedInput{}, fmt.Errorf("text payload is empty")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	tokens := strings.Fields(strings.ToLower(req.Text))
	values := make([]float64, maxTokens)
	for i := range values {
		values[i] = float64(cfg.PadToken)
	}
	for i, token := range tokens {
		if i >= maxTokens {
			break
		}
		token = strings.Trim(token, ".,;:!?\"'()[]")
		id, known := cfg.Vocabulary[token]
		if !known {
			id = cfg.UnknownToken
		}
		values[i] = float64(id)
	}
	return NormalizedInput{Values: values, Shape: []int{1, maxTokens}}, nil
}

func preprocessRawArray(req PredictionRequest, _ PreprocessConfig) (NormalizedInput, error) {
	if len(req.Raw) == 0 {
		return NormalizedInput{}, fmt.Errorf("raw array payload is empty")
	}
	values := make([]float64, len(req.Raw))
	copy(values, req.Raw)
	return NormalizedInput{Values: values, Shape: []int{1, len(values)}}, nil
}

func postprocessClassifier(raw []float64, desc ModelDescriptor) (PredictionOutput, error) {
	if len(raw) == 0 {
		return PredictionOutput{}, fmt.Errorf("classifier output is empty")
	}
	distribution := make([]float64, len(raw))
	copy(distribution, raw)
	if !isProbabilityDistribution(distribution) {
		distribution = softmax(distribution)
	}

	best := 0
	for i, p := range distribution {
		if p > distribution[best] {
			best = i
		}
	}
	return PredictionOutput{
		Type: TypeClassifier,
		Classification: &ClassificationOutput{
			PredictedIndex: best,
			Label:          classLabel(desc.OutputLabels, best),
			Confidence:     distribution[best],
			Distribution:   distribution,
		},
	}, nil
}

func postprocessRegressor(raw []float64, desc ModelDescriptor) (PredictionOutput, error) {
	if len(raw) == 0 {
		return PredictionOutput{}, fmt.Errorf("regressor output is empty")
	}
	cfg := desc.Postprocess
	scale := cfg.OutputScale
	if scale == 0 {
		scale = 1
	}
	value := raw[0]*scale + cfg.OutputOffset
	if cfg.ClampMin != nil && value < *cfg.ClampMin {
		value = *cfg.ClampMin
	}
	if cfg.ClampMax != nil && value > *cfg.ClampMax {
		value = *cfg.ClampMax
	}
	return PredictionOutput{
		Type:       TypeRegressor,
		Regression: &RegressionOutput{Value: value},
	}, nil
}

func postprocessSegmentation(raw []float64, desc ModelDescriptor) (PredictionOutput, error) {
	if len(raw) == 0 {
		return PredictionOutput{}, fmt.Errorf("segmentation output is empty")
	}
	counts := make(map[int]int)
	for _, v := range raw {
		class := int(math.Round(v))
		if class < 0 {
			return PredictionOutput{}, fmt.Errorf("negative class index %v in segmentation map", v)
		}
		counts[class]++
	}
	coverage := make(map[string]float64, len(counts))
	total := float64(len(raw))
	for class, count := range counts {
		coverage[classLabel(desc.OutputLabels, class)] = float64(count) / total
	}
	return PredictionOutput{
		Type:         TypeSegmentation,
		Segmentation: &SegmentationOutput{ClassCoverage: coverage},
	}, nil
}

func postprocessDetection(raw []float64, desc ModelDescriptor) (PredictionOutput, error) {
	if len(raw)%detectionRowWidth != 0 {
		return PredictionOutput{}, fmt.Errorf(
			"detection output length %d is not a multiple of %d", len(raw), detectionRowWidth,
		)
	}
	threshold := desc.Postprocess.ConfidenceThreshold
	detections := make([]Detection, 0, len(raw)/detectionRowWidth)
	for offset := 0; offset < len(raw); offset += detectionRowWidth {
		class := int(math.Round(raw[offset]))
		confidence := raw[offset+1]
		if class < 0 {
			return PredictionOutput{}, fmt.Errorf("negative class index %v in detection row", raw[offset])
		}
		if confidence < threshold {
			continue
		}
		detections = append(detections, Detection{
			Label:      classLabel(desc.OutputLabels, class),
			Confidence: confidence,
			Box: [4]float64{
				raw[offset+2], raw[offset+3], raw[offset+4], raw[offset+5],
			},
		})
	}
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
	return PredictionOutput{
		Type:      TypeDetection,
		Detection: &DetectionOutput{Detections: detections},
	}, nil
}

func isProbabilityDistribution(values []float64) bool {
	sum := 0.0
	for _, v := range values {
		if v < 0 || v > 1 {
			return false
		}
		sum += v
	}
	return math.Abs(sum-1) <= distributionSumTol
}

func softmax(values []float64) []float64 {
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(values))
	sum := 0.0
	for i, v := range values {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func classLabel(labels []string, index int) string {
	if index >= 0 && index < len(labels) {
		return labels[index]
	}
	return fmt.Sprintf("class_%d", index)
}
