package export

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresExporterExport(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer db.Close()

	exporter := NewPostgresExporter(db)
	doc := sampleDocument()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO batch_results")).
		WithArgs(
			"job-1", 0, "job-1-0", "tumor-classifier:1",
			"completed", 0.9, 12.5, "", sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO batch_results")).
		WithArgs(
			"job-1", 1, "job-1-1", "tumor-classifier:1",
			"failed", 0.0, 0.0, "unknown model key", sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO batch_summaries")).
		WithArgs("job-1", "tumor-classifier:1", "json", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := exporter.Export(context.Background(), doc); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresExporterRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer db.Close()

	exporter := NewPostgresExporter(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO batch_results")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if err := exporter.Export(context.Background(), sampleDocument()); err == nil {
		t.Fatalf("Export() succeeded despite insert failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
