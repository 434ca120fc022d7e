package serving

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultChunkSize  = 100
	DefaultItemFanout = 4
	DefaultFormat     = "json"
)

type BatchCoordinatorConfig struct {
	Service    *PredictionService
	Exporter   Exporter
	ChunkSize  int
	ItemFanout int
	Logger     *slog.Logger
	Hooks      TelemetryHooks
}

// BatchCoordinator runs batch jobs over the prediction service. Jobs execute
// concurrently with each other; within a job, chunks run strictly in order
// and items within a chunk fan out up to ItemFanout goroutines while
// preserving result order.
type BatchCoordinator struct {
	service    *PredictionService
	exporter   Exporter
	chunkSize  int
	itemFanout int
	logger     *slog.Logger
	hooks      TelemetryHooks

	mu   sync.RWMutex
	jobs map[string]*batchJob
	wg   sync.WaitGroup
}

type batchJob struct {
	mu       sync.Mutex
	snapshot BatchJob
	items    []PredictionRequest
	results  []PredictionResult
	cancel   chan struct{}
	once     sync.Once
}

func (j *batchJob) requestCancel() {
	j.once.Do(func() { close(j.cancel) })
}

func (j *batchJob) cancelled() bool {
	select {
	case <-j.cancel:
		return true
	default:
		return false
	}
}

func NewBatchCoordinator(cfg BatchCoordinatorConfig) (*BatchCoordinator, error) {
	if cfg.Service == nil {
		return nil, errors.New("prediction service must not be nil")
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	fanout := cfg.ItemFanout
	if fanout <= 0 {
		fanout = DefaultItemFanout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NopTelemetryHooks{}
	}
	return &BatchCoordinator{
		service:    cfg.Service,
		exporter:   cfg.Exporter,
		chunkSize:  chunkSize,
		itemFanout: fanout,
		logger:     logger,
		hooks:      hooks,
		jobs:       make(map[string]*batchJob),
	}, nil
}

// Submit registers a new job over items and starts processing it in the
// background. Items missing a model key inherit the job's. totalSamples is
// fixed here and never changes.
func (c *BatchCoordinator) Submit(
	modelKey string,
	items []PredictionRequest,
	chunkSize int,
	outputFormat string,
) (string, error) {
	if len(items) == 0 {
		return "", errors.New("batch data source is empty")
	}
	if chunkSize <= 0 {
		chunkSize = c.chunkSize
	}
	if outputFormat == "" {
		outputFormat = DefaultFormat
	}

	jobID := uuid.NewString()
	copied := make([]PredictionRequest, len(items))
	copy(copied, items)
	for i := range copied {
		if copied[i].ModelKey == "" {
			copied[i].ModelKey = modelKey
		}
		if copied[i].RequestID == "" {
			copied[i].RequestID = fmt.Sprintf("%s-%d", jobID, i)
		}
	}

	job := &batchJob{
		snapshot: BatchJob{
			JobID:        jobID,
			ModelKey:     modelKey,
			Status:       JobQueued,
			TotalSamples: len(copied),
			CreatedAt:    time.Now(),
			OutputFormat: outputFormat,
		},
		items:   copied,
		results: make([]PredictionResult, len(copied)),
		cancel:  make(chan struct{}),
	}

	c.mu.Lock()
	c.jobs[jobID] = job
	c.mu.Unlock()

	c.logger.Info(
		"batch_job_submitted",
		"job_id", jobID,
		"model_key", modelKey,
		"total_samples", len(copied),
		"chunk_size", chunkSize,
		"output_format", outputFormat,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(job, chunkSize)
	}()
	return jobID, nil
}

// Status returns a deep-copied snapshot of the job.
func (c *BatchCoordinator) Status(jobID string) (BatchJob, bool) {
	c.mu.RLock()
	job, ok := c.jobs[jobID]
	c.mu.RUnlock()
	if !ok {
		return BatchJob{}, false
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	return copySnapshot(job.snapshot), true
}

// ListJobs returns snapshots of every known job, oldest first.
func (c *BatchCoordinator) ListJobs() []BatchJob {
	c.mu.RLock()
	jobs := make([]*batchJob, 0, len(c.jobs))
	for _, job := range c.jobs {
		jobs = append(jobs, job)
	}
	c.mu.RUnlock()

	out := make([]BatchJob, 0, len(jobs))
	for _, job := range jobs {
		job.mu.Lock()
		out = append(out, copySnapshot(job.snapshot))
		job.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Results returns the ordered result list once the job is terminal.
func (c *BatchCoordinator) Results(jobID string) ([]PredictionResult, bool) {
	c.mu.RLock()
	job, ok := c.jobs[jobID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	if !job.snapshot.Status.Terminal() {
		return nil, false
	}
	out := make([]PredictionResult, len(job.results))
	copy(out, job.results)
	return out, true
}

// Cancel requests cooperative cancellation. The flag is observed at chunk
// boundaries; already-processed counts are not rolled back. Returns false
// for unknown or already-terminal jobs.
func (c *BatchCoordinator) Cancel(jobID string) bool {
	c.mu.RLock()
	job, ok := c.jobs[jobID]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	job.mu.Lock()
	terminal := job.snapshot.Status.Terminal()
	job.mu.Unlock()
	if terminal {
		return false
	}
	job.requestCancel()
	c.logger.Info("batch_job_cancel_requested", "job_id", jobID)
	return true
}

// Close waits for all in-flight jobs to reach a terminal status.
func (c *BatchCoordinator) Close() {
	c.wg.Wait()
}

func (c *BatchCoordinator) run(job *batchJob, chunkSize int) {
	ctx := context.Background()
	started := time.Now()

	c.transition(ctx, job, JobProcessing, func(snapshot *BatchJob) {
		snapshot.StartedAt = &started
	})

	total := len(job.items)
	for offset := 0; offset < total; offset += chunkSize {
		if job.cancelled() {
			c.finish(ctx, job, JobCancelled)
			return
		}
		end := offset + chunkSize
		if end > total {
			end = total
		}
		c.processChunk(ctx, job, offset, end)
		c.updateProgress(job, started)
	}

	job.mu.Lock()
	failures := job.snapshot.FailureCount
	successes := job.snapshot.SuccessCount
	job.mu.Unlock()

	status := JobCompleted
	switch {
	case failures == total:
		status = JobFailed
	case failures > 0 && successes > 0:
		status = JobPartiallyCompleted
	}
	c.finish(ctx, job, status)
	c.export(ctx, job)
}

// processChunk fans items out over at most itemFanout workers and folds the
// outcomes back in item order, so the error log stays ordered by index.
func (c *BatchCoordinator) processChunk(ctx context.Context, job *batchJob, start, end int) {
	sem := make(chan struct{}, c.itemFanout)
	var wg sync.WaitGroup
	for index := start; index < end; index++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			job.results[i] = c.service.Predict(ctx, job.items[i])
		}(index)
	}
	wg.Wait()

	job.mu.Lock()
	defer job.mu.Unlock()
	for index := start; index < end; index++ {
		result := job.results[index]
		job.snapshot.ProcessedSamples++
		if result.Status == ResultCompleted {
			job.snapshot.SuccessCount++
		} else {
			job.snapshot.FailureCount++
			job.snapshot.ErrorLog = append(job.snapshot.ErrorLog, BatchItemError{
				Index:   index,
				Message: result.Error,
			})
		}
	}
}

func (c *BatchCoordinator) updateProgress(job *batchJob, started time.Time) {
	job.mu.Lock()
	defer job.mu.Unlock()

	snapshot := &job.snapshot
	snapshot.ProgressPercent = float64(snapshot.ProcessedSamples) /
		float64(snapshot.TotalSamples) * 100

	elapsed := time.Since(started).Seconds()
	snapshot.ETASeconds = 0
	if elapsed > 0 && snapshot.ProcessedSamples > 0 {
		throughput := float64(snapshot.ProcessedSamples) / elapsed
		if throughput > 0 {
			remaining := snapshot.TotalSamples - snapshot.ProcessedSamples
			snapshot.ETASeconds = float64(remaining) / throughput
		}
	}
}

func (c *BatchCoordinator) transition(
	ctx context.Context,
	job *batchJob,
	to JobStatus,
	mutate func(*BatchJob),
) {
	job.mu.Lock()
	from := job.snapshot.Status
	job.snapshot.Status = to
	if mutate != nil {
		mutate(&job.snapshot)
	}
	jobID := job.snapshot.JobID
	job.mu.Unlock()

	c.hooks.OnJobStateChange(ctx, jobID, from, to)
}

func (c *BatchCoordinator) finish(ctx context.Context, job *batchJob, status JobStatus) {
	ended := time.Now()
	c.transition(ctx, job, status, func(snapshot *BatchJob) {
		snapshot.EndedAt = &ended
		if status != JobCancelled {
			snapshot.ETASeconds = 0
		}
	})

	job.mu.Lock()
	snapshot := copySnapshot(job.snapshot)
	job.mu.Unlock()
	c.logger.Info(
		"batch_job_finished",
		"job_id", snapshot.JobID,
		"status", string(snapshot.Status),
		"processed", snapshot.ProcessedSamples,
		"succeeded", snapshot.SuccessCount,
		"failed", snapshot.FailureCount,
	)
}

// export hands the ordered result list and summary to the exporter. Export
// failures are appended to the error log but never change the terminal
// status. Cancelled jobs are not exported.
func (c *BatchCoordinator) export(ctx context.Context, job *batchJob) {
	if c.exporter == nil {
		return
	}

	job.mu.Lock()
	snapshot := copySnapshot(job.snapshot)
	results := make([]PredictionResult, len(job.results))
	copy(results, job.results)
	job.mu.Unlock()

	if snapshot.Status == JobCancelled {
		return
	}

	doc := ResultsDocument{
		JobID:    snapshot.JobID,
		ModelKey: snapshot.ModelKey,
		Format:   snapshot.OutputFormat,
		Results:  results,
		Summary:  BuildSummary(results),
	}
	err := c.exporter.Export(ctx, doc)
	c.hooks.OnExport(ctx, snapshot.JobID, snapshot.OutputFormat, err)
	if err != nil {
		c.logger.Error(
			"batch_export_failed",
			"job_id", snapshot.JobID,
			"format", snapshot.OutputFormat,
			"error", err.Error(),
		)
		job.mu.Lock()
		job.snapshot.ErrorLog = append(job.snapshot.ErrorLog, BatchItemError{
			Index:   -1,
			Message: fmt.Sprintf("%v: %v", ErrExport, err),
		})
		job.mu.Unlock()
		return
	}
	c.logger.Info(
		"batch_export_done",
		"job_id", snapshot.JobID,
		"format", snapshot.OutputFormat,
		"results", len(results),
	)
}

func copySnapshot(snapshot BatchJob) BatchJob {
	out := snapshot
	if len(snapshot.ErrorLog) > 0 {
		out.ErrorLog = make([]BatchItemError, len(snapshot.ErrorLog))
		copy(out.ErrorLog, snapshot.ErrorLog)
	}
	if snapshot.StartedAt != nil {
		started := *snapshot.StartedAt
		out.StartedAt = &started
	}
	if snapshot.EndedAt != nil {
		ended := *snapshot.EndedAt
		out.EndedAt = &ended
	}
	return out
}
