package serving

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"sync"
	"sync/atomic"
)

// StaticRegistry is an in-memory ModelRegistry populated from code or a JSON
// descriptor file.
type StaticRegistry struct {
	mu     sync.RWMutex
	models map[string]ModelDescriptor
}

func NewStaticRegistry(descriptors ...ModelDescriptor) (*StaticRegistry, error) {
	registry := &StaticRegistry{models: make(map[string]ModelDescriptor, len(descriptors))}
	for _, desc := range descriptors {
		if err := registry.Register(desc); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *StaticRegistry) Register(desc ModelDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[desc.Key()] = desc
	return nil
}

func (r *StaticRegistry) Lookup(modelKey string) (ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.models[modelKey]
	return desc, ok
}

// DescriptorsFromFile reads a JSON array of model descriptors.
func DescriptorsFromFile(path string) ([]ModelDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptors %q: %w", path, err)
	}
	var descriptors []ModelDescriptor
	if err := json.Unmarshal(data, &descriptors); err != nil {
		return nil, fmt.Errorf("parse descriptors %q: %w", path, err)
	}
	for _, desc := range descriptors {
		if err := desc.Validate(); err != nil {
			return nil, fmt.Errorf("descriptors %q: %w", path, err)
		}
	}
	return descriptors, nil
}

const staticWeightCount = 8

type staticModel struct {
	desc    ModelDescriptor
	weights []float64
}

// StaticLoader produces deterministic in-memory model handles; weights are
// derived from a hash of the model key so the same descriptor always loads
// the same model. It stands in for a real artifact-loading backend.
type StaticLoader struct {
	loads   atomic.Int64
	unloads atomic.Int64
}

func NewStaticLoader() *StaticLoader {
	return &StaticLoader{}
}

func (l *StaticLoader) Load(_ context.Context, desc ModelDescriptor) (ModelHandle, error) {
	seed := fnv.New64a()
	_, _ = seed.Write([]byte(desc.Key()))
	state := seed.Sum64()

	weights := make([]float64, staticWeightCount)
	for i := range weights {
		// xorshift step keeps the sequence deterministic per key.
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		weights[i] = float64(state%2000)/1000.0 - 1.0
	}
	l.loads.Add(1)
	return &staticModel{desc: desc, weights: weights}, nil
}

func (l *StaticLoader) Unload(handle ModelHandle) {
	if _, ok := handle.(*staticModel); ok {
		l.unloads.Add(1)
	}
}

func (l *StaticLoader) Loads() int64   { return l.loads.Load() }
func (l *StaticLoader) Unloads() int64 { return l.unloads.Load() }

// StaticExecutor evaluates static model handles. Output layouts match what
// the pipeline's postprocessors expect per model type.
type StaticExecutor struct{}

func NewStaticExecutor() *StaticExecutor {
	return &StaticExecutor{}
}

func (e *StaticExecutor) Invoke(
	_ context.Context,
	handle ModelHandle,
	input NormalizedInput,
) ([]float64, error) {
	model, ok := handle.(*staticModel)
	if !ok {
		return nil, fmt.Errorf("handle %T is not a static model", handle)
	}
	if len(input.Values) == 0 {
		return nil, fmt.Errorf("normalized input is empty")
	}

	classes := len(model.desc.OutputLabels)
	if classes < 2 {
		classes = 2
	}

	switch model.desc.Type {
	case TypeClassifier:
		logits := make([]float64, classes)
		for class := range logits {
			for i, v := range input.Values {
				logits[class] += v * model.weights[(i+class)%len(model.weights)]
			}
		}
		return logits, nil

	case TypeRegressor:
		value := model.weights[len(model.weights)-1]
		for i, v := range input.Values {
			value += v * model.weights[i%len(model.weights)]
		}
		return []float64{value}, nil

	case TypeSegmentation:
		classMap := make([]float64, len(input.Values))
		for i, v := range input.Values {
			classMap[i] = float64(int(math.Abs(v*10)) % classes)
		}
		return classMap, nil

	case TypeDetection:
		mean := 0.0
		for _, v := range input.Values {
			mean += v
		}
		mean /= float64(len(input.Values))
		confidence := 1 / (1 + math.Exp(-mean))
		return []float64{
			float64(int(math.Abs(mean*100)) % classes), confidence, 0.1, 0.1, 0.5, 0.5,
			float64(int(math.Abs(mean*10)) % classes), confidence / 2, 0.4, 0.4, 0.2, 0.2,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported model type %q", model.desc.Type)
	}
}
