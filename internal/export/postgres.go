package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/oncoserve/oncoserve/internal/serving"
)

// PostgresExporter persists results documents into a PostgreSQL database.
// It assumes the following schema:
//
//	CREATE TABLE IF NOT EXISTS batch_results (
//	  id         BIGSERIAL PRIMARY KEY,
//	  job_id     TEXT             NOT NULL,
//	  item_index INT              NOT NULL,
//	  request_id TEXT             NOT NULL,
//	  model_key  TEXT             NOT NULL,
//	  status     TEXT             NOT NULL,
//	  confidence DOUBLE PRECISION NOT NULL,
//	  latency_ms DOUBLE PRECISION NOT NULL,
//	  error      TEXT             NOT NULL,
//	  output     JSONB
//	);
//
//	CREATE TABLE IF NOT EXISTS batch_summaries (
//	  job_id    TEXT PRIMARY KEY,
//	  model_key TEXT  NOT NULL,
//	  format    TEXT  NOT NULL,
//	  summary   JSONB NOT NULL
//	);
type PostgresExporter struct {
	db *sql.DB
}

// NewPostgresExporter wraps an existing *sql.DB (pgx stdlib driver).
func NewPostgresExporter(db *sql.DB) *PostgresExporter {
	return &PostgresExporter{db: db}
}

// OpenPostgresExporter opens a pgx-backed connection pool for dsn.
func OpenPostgresExporter(dsn string) (*PostgresExporter, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres export: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres export: ping: %w", err)
	}
	return &PostgresExporter{db: db}, nil
}

func (e *PostgresExporter) Export(ctx context.Context, doc serving.ResultsDocument) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres export: begin: %w", err)
	}
	defer tx.Rollback()

	const insertResult = `
INSERT INTO batch_results (
  job_id, item_index, request_id, model_key, status, confidence, latency_ms, error, output
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
	for index, result := range doc.Results {
		var output []byte
		if result.Output != nil {
			output, err = json.Marshal(result.Output)
			if err != nil {
				return fmt.Errorf("postgres export: marshal output %d: %w", index, err)
			}
		}
		if _, err := tx.ExecContext(ctx, insertResult,
			doc.JobID,
			index,
			result.RequestID,
			result.ModelKey,
			string(result.Status),
			result.Confidence,
			result.LatencyMS,
			result.Error,
			output,
		); err != nil {
			return fmt.Errorf("postgres export: insert result %d: %w", index, err)
		}
	}

	summary, err := json.Marshal(doc.Summary)
	if err != nil {
		return fmt.Errorf("postgres export: marshal summary: %w", err)
	}
	const insertSummary = `
INSERT INTO batch_summaries (job_id, model_key, format, summary)
VALUES ($1,$2,$3,$4)
ON CONFLICT (job_id) DO UPDATE SET summary = EXCLUDED.summary
`
	if _, err := tx.ExecContext(ctx, insertSummary,
		doc.JobID, doc.ModelKey, doc.Format, summary,
	); err != nil {
		return fmt.Errorf("postgres export: insert summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres export: commit: %w", err)
	}
	return nil
}

func (e *PostgresExporter) Close() error {
	return e.db.Close()
}
