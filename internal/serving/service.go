package serving

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

type PredictionServiceConfig struct {
	Registry ModelRegistry
	Loader   ModelLoader
	Cache    *ModelCache
	Pipeline *Pipeline
	Monitor  *PerformanceMonitor
	Logger   *slog.Logger
	Hooks    TelemetryHooks
}

// PredictionService orchestrates one request: registry lookup, cache
// resolution (loading on miss), pipeline execution and monitor recording.
// Errors never escape Predict as Go errors; they are folded into a failed
// PredictionResult.
type PredictionService struct {
	registry ModelRegistry
	loader   ModelLoader
	cache    *ModelCache
	pipeline *Pipeline
	monitor  *PerformanceMonitor
	logger   *slog.Logger
	hooks    TelemetryHooks
}

func NewPredictionService(cfg PredictionServiceConfig) (*PredictionService, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	if cfg.Loader == nil {
		return nil, errors.New("loader must not be nil")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cache must not be nil")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("pipeline must not be nil")
	}
	if cfg.Monitor == nil {
		return nil, errors.New("monitor must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NopTelemetryHooks{}
	}
	return &PredictionService{
		registry: cfg.Registry,
		loader:   cfg.Loader,
		cache:    cfg.Cache,
		pipeline: cfg.Pipeline,
		monitor:  cfg.Monitor,
		logger:   logger,
		hooks:    hooks,
	}, nil
}

// Predict runs the full pipeline for one request. An unknown model key fails
// immediately and records nothing; every other outcome, success or failure,
// records exactly one monitor sample.
func (s *PredictionService) Predict(ctx context.Context, req PredictionRequest) PredictionResult {
	desc, ok := s.registry.Lookup(req.ModelKey)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownModel, req.ModelKey)
		s.hooks.OnPredict(ctx, req.ModelKey, 0, err)
		return failedResult(req, err, 0)
	}

	start := time.Now()
	var predictErr error
	defer func() {
		latency := millis(time.Since(start))
		s.monitor.Record(req.ModelKey, latency, predictErr == nil)
		s.cache.RecordUse(desc.Key(), latency)
		s.hooks.OnPredict(ctx, req.ModelKey, time.Since(start), predictErr)
	}()

	if err := s.pipeline.Check(req.Kind, desc.Type); err != nil {
		predictErr = err
		return failedResult(req, err, millis(time.Since(start)))
	}

	handle, err := s.resolveHandle(ctx, desc)
	if err != nil {
		predictErr = err
		return failedResult(req, err, millis(time.Since(start)))
	}

	normalized, err := s.pipeline.Preprocess(req, desc.Preprocess)
	if err != nil {
		predictErr = err
		return failedResult(req, err, millis(time.Since(start)))
	}
	raw, err := s.pipeline.Invoke(ctx, handle, normalized)
	if err != nil {
		predictErr = err
		return failedResult(req, err, millis(time.Since(start)))
	}
	output, err := s.pipeline.Postprocess(raw, desc)
	if err != nil {
		predictErr = err
		return failedResult(req, err, millis(time.Since(start)))
	}

	result := PredictionResult{
		RequestID: req.RequestID,
		ModelKey:  req.ModelKey,
		Status:    ResultCompleted,
		Output:    &output,
		LatencyMS: millis(time.Since(start)),
	}
	if output.Type == TypeClassifier && output.Classification != nil {
		result.Confidence = output.Classification.Confidence
	}
	s.logger.Debug(
		"predict_done",
		"request_id", req.RequestID,
		"model_key", req.ModelKey,
		"latency_ms", result.LatencyMS,
	)
	return result
}

func (s *PredictionService) resolveHandle(
	ctx context.Context,
	desc ModelDescriptor,
) (ModelHandle, error) {
	key := desc.Key()
	if handle, ok := s.cache.Get(key); ok {
		return handle, nil
	}
	handle, err := s.loader.Load(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("%w: load %q: %v", ErrModelExecution, key, err)
	}
	s.cache.Put(key, handle, desc)
	s.logger.Info("model_loaded", "model_key", key, "model_type", string(desc.Type))
	return handle, nil
}

func failedResult(req PredictionRequest, err error, latencyMS float64) PredictionResult {
	return PredictionResult{
		RequestID: req.RequestID,
		ModelKey:  req.ModelKey,
		Status:    ResultFailed,
		Error:     err.Error(),
		LatencyMS: latencyMS,
	}
}

func millis(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
