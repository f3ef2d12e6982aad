package store

import (
	"context"
	"fmt"
	"time"
)

// RateLimitStore keeps fixed-window request counters in the database so all
// service instances sharing it enforce one limit.
type RateLimitStore struct {
	db  querier
	now func() time.Time
}

// Allow counts one hit for key in the current window and reports whether the
// count is within limit.
func (s *RateLimitStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if window <= 0 {
		window = time.Minute
	}
	windowStart := s.now().Truncate(window).Unix()

	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rate_limit_windows (key, window_start, count) VALUES (?, ?, 1)
		 ON CONFLICT (key) DO UPDATE SET
		     count = CASE WHEN rate_limit_windows.window_start = excluded.window_start
		                  THEN rate_limit_windows.count + 1 ELSE 1 END,
		     window_start = excluded.window_start
		 RETURNING count`,
		key, windowStart,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("rate limit hit: %w", err)
	}
	return count <= limit, nil
}

// DeleteStale removes windows that started before cutoff.
func (s *RateLimitStore) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_windows WHERE window_start < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete stale rate limit windows: %w", err)
	}
	return result.RowsAffected()
}
