package serving

import "context"

// ModelHandle is an opaque loaded-model reference produced by a ModelLoader
// and interpreted only by the matching ModelExecutor. The cache owns a
// handle's lifetime; callers borrow it for one pipeline invocation.
type ModelHandle interface{}

// ModelRegistry is the static configuration source for model descriptors.
type ModelRegistry interface {
	Lookup(modelKey string) (ModelDescriptor, bool)
}

// ModelLoader materializes and releases model handles. Load is invoked on a
// cache miss, Unload when the cache evicts or removes an entry.
type ModelLoader interface {
	Load(ctx context.Context, desc ModelDescriptor) (ModelHandle, error)
	Unload(handle ModelHandle)
}

// ModelExecutor runs the actual prediction computation. The raw output layout
// is model-type specific and interpreted by the pipeline's postprocessors.
type ModelExecutor interface {
	Invoke(ctx context.Context, handle ModelHandle, input NormalizedInput) ([]float64, error)
}

// Exporter receives the full results document once a job reaches
// completed, partially_completed or failed. Export errors are logged into
// the job's error log but never change its terminal status.
type Exporter interface {
	Export(ctx context.Context, doc ResultsDocument) error
}
