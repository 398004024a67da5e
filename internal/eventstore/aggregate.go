package eventstore

import (
	"fmt"
	"log/slog"
	"time"

	"warden/internal/events"
)

// Bucket is a time-bucket granularity for counts.
type Bucket string

const (
	BucketHour Bucket = "hour"
	BucketDay  Bucket = "day"
)

// BucketCount is the number of events within one time bucket.
type BucketCount struct {
	Bucket string `json:"bucket"`
	Count  int64  `json:"count"`
}

// ToolStat aggregates tool_executed events for one tool.
type ToolStat struct {
	Name          string  `json:"name"`
	Calls         int64   `json:"calls"`
	Errors        int64   `json:"errors"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// ErrorStat aggregates error_occurred events by severity and type.
type ErrorStat struct {
	Severity  string `json:"severity"`
	ErrorType string `json:"error_type"`
	Count     int64  `json:"count"`
}

// CountByType returns event counts grouped by type.
func (s *Store) CountByType() (map[events.EventType]int64, error) {
	rows, err := s.db.Query(`SELECT type, COUNT(*) FROM events GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("count by type: %w", err)
	}
	defer rows.Close()

	out := make(map[events.EventType]int64)
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[events.EventType(typ)] = n
	}
	return out, rows.Err()
}

// CountsByBucket returns event counts since the given time grouped into
// hour or day buckets, oldest first.
func (s *Store) CountsByBucket(bucket Bucket, since time.Time) ([]BucketCount, error) {
	format := "%Y-%m-%d %H:00"
	if bucket == BucketDay {
		format = "%Y-%m-%d"
	}

	rows, err := s.db.Query(
		`SELECT strftime(?, ts / 1000000000, 'unixepoch') AS bucket, COUNT(*)
		 FROM events WHERE ts >= ? GROUP BY bucket ORDER BY bucket ASC`,
		format, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("counts by bucket: %w", err)
	}
	defer rows.Close()

	var out []BucketCount
	for rows.Next() {
		var bc BucketCount
		if err := rows.Scan(&bc.Bucket, &bc.Count); err != nil {
			return nil, err
		}
		out = append(out, bc)
	}
	return out, rows.Err()
}

// ToolUsage aggregates tool_executed events by tool name.
func (s *Store) ToolUsage() ([]ToolStat, error) {
	rows, err := s.db.Query(
		`SELECT json_extract(payload, '$.name') AS name,
		        COUNT(*),
		        SUM(CASE WHEN json_extract(payload, '$.success') THEN 0 ELSE 1 END),
		        AVG(COALESCE(json_extract(payload, '$.duration_ms'), 0))
		 FROM events WHERE type = ? AND name IS NOT NULL
		 GROUP BY name ORDER BY COUNT(*) DESC`,
		string(events.EventToolExecuted))
	if err != nil {
		return nil, fmt.Errorf("tool usage: %w", err)
	}
	defer rows.Close()

	var out []ToolStat
	for rows.Next() {
		var ts ToolStat
		if err := rows.Scan(&ts.Name, &ts.Calls, &ts.Errors, &ts.AvgDurationMs); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// ErrorStats aggregates error_occurred events by severity and error type.
func (s *Store) ErrorStats() ([]ErrorStat, error) {
	rows, err := s.db.Query(
		`SELECT COALESCE(json_extract(payload, '$.severity'), ''),
		        COALESCE(json_extract(payload, '$.error_type'), ''),
		        COUNT(*)
		 FROM events WHERE type = ?
		 GROUP BY 1, 2 ORDER BY COUNT(*) DESC`,
		string(events.EventErrorOccurred))
	if err != nil {
		return nil, fmt.Errorf("error stats: %w", err)
	}
	defer rows.Close()

	var out []ErrorStat
	for rows.Next() {
		var es ErrorStat
		if err := rows.Scan(&es.Severity, &es.ErrorType, &es.Count); err != nil {
			return nil, err
		}
		out = append(out, es)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes events with timestamps before the cutoff and
// returns how many were deleted.
func (s *Store) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE ts < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	return res.RowsAffected()
}

// Sweep deletes everything outside the retention window once.
func (s *Store) Sweep() {
	n, err := s.DeleteOlderThan(time.Now().Add(-s.retention))
	if err != nil {
		slog.Error("event store: retention sweep", "error", err)
		return
	}
	if n > 0 {
		slog.Info("event store: retention sweep", "deleted", n, "retention", s.retention)
	}
}

// StartRetentionSweep runs Sweep on the given interval until Close.
// When sweepOnStart is set, one pass runs immediately.
func (s *Store) StartRetentionSweep(interval time.Duration, sweepOnStart bool) {
	if sweepOnStart {
		s.Sweep()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
