package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/reverse-image-crawler/internal/search"
)

// StorePredictions inserts one row per URL record of result in a single
// transaction. Records without a prediction are stored with a NULL prediction.
func (s *Store) StorePredictions(ctx context.Context, runID uuid.UUID, result search.BatchResult) (err error) {
	if len(result.Records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	query,
	position,
	image_url,
	query_url,
	prediction,
	source,
	outcome,
	status_code,
	proxy,
	captcha,
	created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, s.predictions)

	createdAt := s.now()
	for i, rec := range result.Records {
		args := []any{
			runID,
			result.Query,
			i,
			rec.ImageURL,
			rec.QueryURL,
			nullable(string(rec.Prediction)),
			rec.Source,
			rec.Outcome,
			nullableInt(rec.StatusCode),
			nullable(rec.Proxy),
			rec.Captcha,
			createdAt,
		}
		if _, err = tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert prediction %d: %w", i, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
