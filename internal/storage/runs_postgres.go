package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/defliez/temperature-chamber/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SaveRun inserts or updates a run record
func (p *PostgresClient) SaveRun(ctx context.Context, run *types.RunRecord) error {
	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO runs (id, suite, status, reason, override, started_at, finished_at, estimated_ms, actual_ms, results)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			finished_at = EXCLUDED.finished_at,
			actual_ms = EXCLUDED.actual_ms,
			results = EXCLUDED.results
	`, run.ID, run.Suite, string(run.Status), run.Reason, run.Override,
		run.StartedAt, run.FinishedAt, run.EstimatedMS, run.ActualMS, results)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (p *PostgresClient) GetRun(ctx context.Context, id uuid.UUID) (*types.RunRecord, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, suite, status, reason, override, started_at, finished_at, estimated_ms, actual_ms, results
		FROM runs
		WHERE id = $1
	`, id)

	run, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

// ListRuns returns the newest runs first
func (p *PostgresClient) ListRuns(ctx context.Context, limit int) ([]types.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, suite, status, reason, override, started_at, finished_at, estimated_ms, actual_ms, results
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]types.RunRecord, 0)
	for rows.Next() {
		run, err := scanPostgresRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanPostgresRun(row pgx.Row) (*types.RunRecord, error) {
	var (
		run     types.RunRecord
		status  string
		results []byte
	)

	err := row.Scan(&run.ID, &run.Suite, &status, &run.Reason, &run.Override,
		&run.StartedAt, &run.FinishedAt, &run.EstimatedMS, &run.ActualMS, &results)
	if err != nil {
		return nil, err
	}

	run.Status = types.RunStatus(status)
	if err := json.Unmarshal(results, &run.Results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal results: %w", err)
	}
	return &run, nil
}
