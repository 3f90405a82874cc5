package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/bps-classifier/internal/logging"
	"github.com/example/bps-classifier/internal/repository/repotest"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func TestExecuteWithRetryRetriesTransientErrors(t *testing.T) {
	repo := &PredictionRepository{
		logger:         zap.NewNop(),
		retryAttempts:  3,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-1", func() error {
		attempts++
		if attempts < 2 {
			return transientTestError{}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetryReturnsOperationError(t *testing.T) {
	repo := &PredictionRepository{
		logger:         zap.NewNop(),
		retryAttempts:  2,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-2", func() error {
		attempts++
		return errors.New("boom")
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "test.operation" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if opErr.RequestID != "req-2" {
		t.Fatalf("unexpected request id: %s", opErr.RequestID)
	}
}

func TestPredictionLogTableName(t *testing.T) {
	if (PredictionLog{}).TableName() != "prediction_logs" {
		t.Fatal("unexpected table name")
	}
}

func newScriptedRepository(t *testing.T, d *repotest.Driver) *PredictionRepository {
	t.Helper()
	db, err := d.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	repo := NewPredictionRepository(db, zap.NewNop())
	repo.initialBackoff = time.Millisecond
	repo.maxBackoff = 2 * time.Millisecond
	return repo
}

func TestFindByRequestID(t *testing.T) {
	d := &repotest.Driver{Query: func(query string) repotest.Result {
		return repotest.Result{
			Columns: []string{"id", "request_id", "predicted_class", "confidence", "threshold_applied"},
			Rows:    [][]driver.Value{{int64(7), "req-1", "other", 0.61, true}},
		}
	}}
	repo := newScriptedRepository(t, d)

	log, err := repo.FindByRequestID(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.ID != 7 || log.RequestID != "req-1" || log.PredictedClass != "other" || log.Confidence != 0.61 || !log.ThresholdApplied {
		t.Fatalf("unexpected log %+v", log)
	}

	queries := d.Queries()
	last := queries[len(queries)-1]
	if !strings.Contains(last, `"prediction_logs"`) || !strings.Contains(last, "request_id = $1") {
		t.Fatalf("unexpected query %q", last)
	}
}

func TestFindByRequestIDNotFound(t *testing.T) {
	repo := newScriptedRepository(t, &repotest.Driver{})

	_, err := repo.FindByRequestID(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAutoMigrateSurfacesFailure(t *testing.T) {
	repo := newScriptedRepository(t, &repotest.Driver{ExecErr: errors.New("permission denied for schema public")})

	err := repo.AutoMigrate(context.Background())
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "repository.auto_migrate" {
		t.Fatalf("expected auto migrate operation error, got %v", err)
	}
}
