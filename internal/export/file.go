// Package export provides Exporter implementations for completed batch jobs:
// a JSON file writer, a Redis publisher and a Postgres store.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oncoserve/oncoserve/internal/serving"
)

// FileExporter writes one results document per job as <job_id>.json under a
// fixed directory.
type FileExporter struct {
	dir string
}

func NewFileExporter(dir string) (*FileExporter, error) {
	if dir == "" {
		return nil, fmt.Errorf("export directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export directory %q: %w", dir, err)
	}
	return &FileExporter{dir: dir}, nil
}

func (e *FileExporter) Export(_ context.Context, doc serving.ResultsDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("file export: marshal job %s: %w", doc.JobID, err)
	}
	path := filepath.Join(e.dir, doc.JobID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("file export: write %q: %w", path, err)
	}
	return nil
}
