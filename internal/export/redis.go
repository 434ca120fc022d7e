package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oncoserve/oncoserve/internal/serving"
)

// RedisExporter publishes results documents to Redis. The result list and
// summary land under separate keys so dashboards can fetch the summary
// without pulling the full document.
type RedisExporter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisExporter(addr string, ttl time.Duration) (*RedisExporter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis export: connect %q: %w", addr, err)
	}
	return &RedisExporter{client: client, ttl: ttl}, nil
}

func (e *RedisExporter) Export(ctx context.Context, doc serving.ResultsDocument) error {
	results, err := json.Marshal(doc.Results)
	if err != nil {
		return fmt.Errorf("redis export: marshal results for job %s: %w", doc.JobID, err)
	}
	summary, err := json.Marshal(doc.Summary)
	if err != nil {
		return fmt.Errorf("redis export: marshal summary for job %s: %w", doc.JobID, err)
	}

	pipe := e.client.Pipeline()
	pipe.Set(ctx, fmt.Sprintf("job:%s:results", doc.JobID), results, e.ttl)
	pipe.Set(ctx, fmt.Sprintf("job:%s:summary", doc.JobID), summary, e.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis export: write job %s: %w", doc.JobID, err)
	}
	return nil
}

func (e *RedisExporter) Close() error {
	return e.client.Close()
}
