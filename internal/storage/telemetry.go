package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

// MetricQuery filters GetMetrics. Zero fields do not filter.
type MetricQuery struct {
	Type models.MetricType

	// Start and End bound the timestamp inclusively (ms since epoch)
	Start *int64
	End   *int64

	Limit int
}

// StoreMetric appends one metric row and returns its id
func (s *Store) StoreMetric(ctx context.Context, m *models.StoredMetric) (int64, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO metrics (session_id, timestamp, metric_type, data) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{m.SessionID, m.Timestamp, string(m.MetricType), m.Data},
		})
	if err != nil {
		return 0, fmt.Errorf("storage: store metric: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

// GetMetrics returns a session's metrics in timestamp order
func (s *Store) GetMetrics(ctx context.Context, sessionID string, q MetricQuery) ([]*models.StoredMetric, error) {
	conditions := []string{"session_id = ?"}
	args := []any{sessionID}

	if q.Type != "" {
		conditions = append(conditions, "metric_type = ?")
		args = append(args, string(q.Type))
	}
	if q.Start != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *q.Start)
	}
	if q.End != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, *q.End)
	}

	query := "SELECT id, session_id, timestamp, metric_type, data FROM metrics WHERE " +
		strings.Join(conditions, " AND ") + " ORDER BY timestamp ASC, id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var metrics []*models.StoredMetric
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			metrics = append(metrics, &models.StoredMetric{
				ID:         stmt.ColumnInt64(0),
				SessionID:  stmt.ColumnText(1),
				Timestamp:  stmt.ColumnInt64(2),
				MetricType: models.ParseMetricType(stmt.ColumnText(3)),
				Data:       stmt.ColumnText(4),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: get metrics of session %s: %w", sessionID, err)
	}
	return metrics, nil
}

// StoreNetworkRequest inserts or replaces the request row with the same id
func (s *Store) StoreNetworkRequest(ctx context.Context, r *models.StoredNetworkRequest) error {
	var headers any
	if r.Headers != nil {
		data, err := json.Marshal(r.Headers)
		if err != nil {
			return fmt.Errorf("storage: encoding headers: %w", err)
		}
		headers = string(data)
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO network_requests
		(id, session_id, url, method, status_code, request_time, response_time,
		 duration_ms, size_bytes, headers)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				r.ID,
				r.SessionID,
				r.URL,
				nullable(r.Method),
				nullable(r.StatusCode),
				r.RequestTime,
				nullable(r.ResponseTime),
				nullable(r.DurationMs),
				nullable(r.SizeBytes),
				headers,
			},
		})
	if err != nil {
		return fmt.Errorf("storage: store network request %s: %w", r.ID, err)
	}
	return nil
}

// GetNetworkRequests returns a session's requests in request order. limit <= 0 means no limit.
func (s *Store) GetNetworkRequests(ctx context.Context, sessionID string, limit int) ([]*models.StoredNetworkRequest, error) {
	query := `SELECT id, session_id, url, method, status_code, request_time,
		response_time, duration_ms, size_bytes, headers
		FROM network_requests WHERE session_id = ?
		ORDER BY request_time ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var requests []*models.StoredNetworkRequest
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			r := &models.StoredNetworkRequest{
				ID:           stmt.ColumnText(0),
				SessionID:    stmt.ColumnText(1),
				URL:          stmt.ColumnText(2),
				Method:       columnText(stmt, 3),
				StatusCode:   columnInt(stmt, 4),
				RequestTime:  stmt.ColumnInt64(5),
				ResponseTime: columnInt64(stmt, 6),
				DurationMs:   columnFloat(stmt, 7),
				SizeBytes:    columnFloat(stmt, 8),
			}
			if !stmt.ColumnIsNull(9) {
				if err := json.Unmarshal([]byte(stmt.ColumnText(9)), &r.Headers); err != nil {
					return fmt.Errorf("decoding headers of request %s: %w", r.ID, err)
				}
			}
			requests = append(requests, r)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: get network requests of session %s: %w", sessionID, err)
	}
	return requests, nil
}
