package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state stored for a run.
type RunStatus string

// Run statuses.
const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunAborted   RunStatus = "aborted"
	RunFailed    RunStatus = "failed"
)

// StartRun records a run as running.
func (s *Store) StartRun(ctx context.Context, runID uuid.UUID) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO UPDATE
		SET status = EXCLUDED.status`, s.runs)
	if _, err := s.pool.Exec(ctx, query, runID, s.now(), RunRunning); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun stores the terminal status of a run. errMsg may be nil.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, status RunStatus, errMsg *string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET finished_at = $2, status = $3, error = $4
		WHERE run_id = $1`, s.runs)
	tag, err := s.pool.Exec(ctx, query, runID, s.now(), status, errMsg)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: run not found", runID)
	}
	return nil
}
