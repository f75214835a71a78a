package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/conveyor/pkg/store/postgres"
)

const (
	insertSampleSQL = `INSERT INTO metric_samples (job_id, stage, metric_type, value, attempt_count, priority, metadata, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`

	refreshRollupsSQL = `INSERT INTO metric_rollups (stage, metric_type, bucket, sample_count, avg_value, min_value, max_value, p50, p95, p99, refreshed_at)
SELECT stage, metric_type, date_trunc('hour', recorded_at) AS bucket,
	COUNT(*), AVG(value), MIN(value), MAX(value),
	percentile_cont(0.50) WITHIN GROUP (ORDER BY value),
	percentile_cont(0.95) WITHIN GROUP (ORDER BY value),
	percentile_cont(0.99) WITHIN GROUP (ORDER BY value),
	$2
FROM metric_samples
WHERE recorded_at >= $1
GROUP BY stage, metric_type, date_trunc('hour', recorded_at)
ON CONFLICT (stage, metric_type, bucket) DO UPDATE SET
	sample_count = EXCLUDED.sample_count,
	avg_value = EXCLUDED.avg_value,
	min_value = EXCLUDED.min_value,
	max_value = EXCLUDED.max_value,
	p50 = EXCLUDED.p50,
	p95 = EXCLUDED.p95,
	p99 = EXCLUDED.p99,
	refreshed_at = EXCLUDED.refreshed_at`

	pruneRollupsSQL = `DELETE FROM metric_rollups WHERE bucket < $1`

	stageStatsSQL = `SELECT stage,
	COUNT(*) FILTER (WHERE metric_type = 'duration'),
	COUNT(*) FILTER (WHERE metric_type = 'failure'),
	COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY value) FILTER (WHERE metric_type = 'duration'), 0)
FROM metric_samples
WHERE recorded_at >= $1 AND metric_type IN ('duration', 'failure')
GROUP BY stage
ORDER BY stage`
)

// PostgresStore implements Store on the metric_samples and metric_rollups
// tables.
type PostgresStore struct {
	db postgres.Querier
}

// NewPostgresStore creates a store on db.
func NewPostgresStore(db postgres.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) AppendSample(ctx context.Context, sample *Sample) error {
	if err := sample.Validate(); err != nil {
		return err
	}
	var metadata any
	if len(sample.Metadata) > 0 {
		encoded, err := json.Marshal(sample.Metadata)
		if err != nil {
			return fmt.Errorf("marshal sample metadata failed: %w", err)
		}
		metadata = encoded
	}
	var jobID any
	if sample.JobID != "" {
		jobID = sample.JobID
	}
	err := s.db.QueryRowContext(ctx, insertSampleSQL,
		jobID, sample.Stage, string(sample.Type), sample.Value,
		sample.AttemptCount, sample.Priority, metadata, sample.RecordedAt,
	).Scan(&sample.ID)
	if err != nil {
		return fmt.Errorf("insert metric sample failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RefreshRollups(ctx context.Context, since, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, refreshRollupsSQL, since, now)
	if err != nil {
		return 0, fmt.Errorf("refresh rollups failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, pruneRollupsSQL, since); err != nil {
		return 0, fmt.Errorf("prune rollups failed: %w", err)
	}
	written, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count refreshed rollups failed: %w", err)
	}
	return int(written), nil
}

func (s *PostgresStore) ListRollups(ctx context.Context, filter RollupFilter) ([]*Rollup, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.Stage != "" {
		add("stage = $%d", filter.Stage)
	}
	if filter.Type != "" {
		add("metric_type = $%d", string(filter.Type))
	}
	if !filter.Since.IsZero() {
		add("bucket >= $%d", filter.Since)
	}

	query := "SELECT stage, metric_type, bucket, sample_count, avg_value, min_value, max_value, p50, p95, p99, refreshed_at FROM metric_rollups"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, filter.limit())
	query += fmt.Sprintf(" ORDER BY bucket DESC, stage, metric_type LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rollups failed: %w", err)
	}
	defer rows.Close()

	out := make([]*Rollup, 0)
	for rows.Next() {
		var (
			r      Rollup
			metric string
		)
		if err := rows.Scan(&r.Stage, &metric, &r.Bucket, &r.Count, &r.Avg, &r.Min, &r.Max, &r.P50, &r.P95, &r.P99, &r.RefreshedAt); err != nil {
			return nil, fmt.Errorf("scan rollup failed: %w", err)
		}
		r.Type = MetricType(metric)
		r.Bucket = r.Bucket.UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StageStats(ctx context.Context, since time.Time) ([]StageStats, error) {
	rows, err := s.db.QueryContext(ctx, stageStatsSQL, since)
	if err != nil {
		return nil, fmt.Errorf("query stage stats failed: %w", err)
	}
	defer rows.Close()

	out := make([]StageStats, 0)
	for rows.Next() {
		var (
			stats StageStats
			p95   sql.NullFloat64
		)
		if err := rows.Scan(&stats.Stage, &stats.Durations, &stats.Failures, &p95); err != nil {
			return nil, fmt.Errorf("scan stage stats failed: %w", err)
		}
		stats.P95Duration = p95.Float64
		out = append(out, stats)
	}
	return out, rows.Err()
}
