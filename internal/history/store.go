package history

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/otelguard/otelguard/internal/backends"
	"github.com/otelguard/otelguard/internal/collector"
	"github.com/otelguard/otelguard/internal/storage"
	"github.com/otelguard/otelguard/pkg/errors"
	"github.com/otelguard/otelguard/pkg/logging"
)

// DefaultRetentionLimit caps the table when no limit is configured
const DefaultRetentionLimit = 1000

// Run is one recorded check execution
type Run struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Kind      string    `db:"kind" json:"kind"`
	Target    string    `db:"target" json:"target"`
	Healthy   bool      `db:"healthy" json:"healthy"`
	Status    string    `db:"status" json:"status"`
	LatencyMS int64     `db:"latency_ms" json:"latency_ms"`
	Outcome   string    `db:"outcome" json:"outcome,omitempty"`
	Error     string    `db:"error" json:"error,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Store persists check runs to Postgres. A nil store records nothing and
// lists nothing, so callers need no enabled-checks of their own.
type Store struct {
	db             *storage.DB
	retentionLimit int
	logger         *logging.Logger
}

// NewStore creates a history store over an established connection
func NewStore(db *storage.DB, retentionLimit int, logger *logging.Logger) *Store {
	if retentionLimit <= 0 {
		retentionLimit = DefaultRetentionLimit
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Store{
		db:             db,
		retentionLimit: retentionLimit,
		logger:         logger,
	}
}

// Enabled reports whether runs are actually persisted
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// RecordRun inserts one run and prunes rows beyond the retention limit
func (s *Store) RecordRun(ctx context.Context, run *Run) error {
	if !s.Enabled() || run == nil {
		return nil
	}

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO check_runs (id, kind, target, healthy, status, latency_ms, outcome, error, created_at)
		VALUES (:id, :kind, :target, :healthy, :status, :latency_ms, :outcome, :error, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, query, run); err != nil {
		return errors.NewInternalError("failed to record check run").WithCause(err)
	}

	if err := s.prune(ctx); err != nil {
		s.logger.Warn("Failed to prune check run history", "error", err.Error())
	}
	return nil
}

// RecordAll inserts a batch of runs, keeping going on individual failures
func (s *Store) RecordAll(ctx context.Context, runs []*Run) error {
	if !s.Enabled() {
		return nil
	}

	var lastErr error
	for _, run := range runs {
		if err := s.RecordRun(ctx, run); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// ListRecent returns the newest runs, most recent first
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Run, error) {
	if !s.Enabled() {
		return []Run{}, nil
	}
	if limit <= 0 || limit > s.retentionLimit {
		limit = 50
	}

	var runs []Run
	query := `
		SELECT id, kind, target, healthy, status, latency_ms, outcome, error, created_at
		FROM check_runs
		ORDER BY created_at DESC
		LIMIT $1`

	if err := s.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, errors.NewInternalError("failed to list check runs").WithCause(err)
	}
	if runs == nil {
		runs = []Run{}
	}
	return runs, nil
}

// prune deletes everything beyond the newest retentionLimit rows
func (s *Store) prune(ctx context.Context) error {
	query := `
		DELETE FROM check_runs
		WHERE id IN (
			SELECT id FROM check_runs
			ORDER BY created_at DESC
			OFFSET $1
		)`

	_, err := s.db.ExecContext(ctx, query, s.retentionLimit)
	return err
}

// FromBackendResult converts a backend probe result into a history row
func FromBackendResult(result backends.ProbeResult) *Run {
	return &Run{
		Kind:      "backends",
		Target:    result.Backend,
		Healthy:   result.Status == backends.StatusHealthy,
		Status:    string(result.Status),
		LatencyMS: result.Duration.Milliseconds(),
		Outcome:   string(result.Outcome),
		Error:     result.Error,
		CreatedAt: result.CheckedAt,
	}
}

// FromStorageResult converts a storage probe result into a history row
func FromStorageResult(result storage.ProbeResult) *Run {
	status := "healthy"
	outcome := "success"
	if !result.Healthy {
		status = "unhealthy"
		outcome = "failed"
	}

	return &Run{
		Kind:      "storage",
		Target:    result.Target,
		Healthy:   result.Healthy,
		Status:    status,
		LatencyMS: result.Duration.Milliseconds(),
		Outcome:   outcome,
		Error:     result.Error,
		CreatedAt: result.CheckedAt,
	}
}

// FromCollectorReport converts every sub-check of a collector report into
// history rows sharing the report timestamp
func FromCollectorReport(report collector.Report) []*Run {
	runs := make([]*Run, 0, len(report.Checks))
	for _, check := range report.Checks {
		status := "healthy"
		outcome := "success"
		if !check.Healthy {
			status = "unhealthy"
			outcome = "failed"
		}

		runs = append(runs, &Run{
			Kind:      "collector",
			Target:    check.Name,
			Healthy:   check.Healthy,
			Status:    status,
			LatencyMS: check.Duration.Milliseconds(),
			Outcome:   outcome,
			Error:     check.Error,
			CreatedAt: report.CheckedAt,
		})
	}
	return runs
}
