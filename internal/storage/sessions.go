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

const sessionColumns = `id, device_id, device_name, webview_url, package_name,
	target_title, started_at, ended_at, status, display_name, tags`

// SessionQuery filters SearchSessions. Zero fields do not filter.
type SessionQuery struct {
	// Text matches display name, target title or package name as a substring
	Text string

	DeviceID string
	Status   models.SessionStatus

	// Tags matches sessions carrying any of the given tags
	Tags []string

	Limit int
}

// CreateSession inserts a new session row
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	tags, err := encodeTags(session.Tags)
	if err != nil {
		return err
	}

	err = sqlitex.Execute(conn, `INSERT INTO sessions
		(id, device_id, device_name, webview_url, package_name, target_title,
		 started_at, ended_at, status, display_name, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				session.ID,
				session.DeviceID,
				nullable(session.DeviceName),
				nullable(session.WebviewURL),
				nullable(session.PackageName),
				nullable(session.TargetTitle),
				session.StartedAt,
				nullable(session.EndedAt),
				string(session.Status),
				nullable(session.DisplayName),
				tags,
			},
		})
	if err != nil {
		return fmt.Errorf("storage: create session %s: %w", session.ID, err)
	}
	return nil
}

// EndSession marks a session completed at endedAt (ms since epoch)
func (s *Store) EndSession(ctx context.Context, id string, endedAt int64) error {
	return s.finishSession(ctx, id, endedAt, models.SessionCompleted)
}

// AbortSession marks a session aborted at endedAt (ms since epoch)
func (s *Store) AbortSession(ctx context.Context, id string, endedAt int64) error {
	return s.finishSession(ctx, id, endedAt, models.SessionAborted)
}

func (s *Store) finishSession(ctx context.Context, id string, endedAt int64, status models.SessionStatus) error {
	return s.updateSession(ctx, id,
		"UPDATE sessions SET ended_at = ?, status = ? WHERE id = ?",
		endedAt, string(status), id)
}

// UpdateSessionName sets or clears the display name
func (s *Store) UpdateSessionName(ctx context.Context, id string, name *string) error {
	return s.updateSession(ctx, id,
		"UPDATE sessions SET display_name = ? WHERE id = ?",
		nullable(name), id)
}

// UpdateSessionTags replaces the tag list; nil clears it
func (s *Store) UpdateSessionTags(ctx context.Context, id string, tags []string) error {
	encoded, err := encodeTags(tags)
	if err != nil {
		return err
	}
	return s.updateSession(ctx, id,
		"UPDATE sessions SET tags = ? WHERE id = ?",
		encoded, id)
}

// updateSession runs a single-row update, mapping zero changes to ErrSessionNotFound
func (s *Store) updateSession(ctx context.Context, id, query string, args ...any) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("storage: update session %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// GetSession returns one session
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var found *models.Session
	err = sqlitex.Execute(conn, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session, err := scanSession(stmt)
				if err != nil {
					return err
				}
				found = session
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: get session %s: %w", id, err)
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return found, nil
}

// ListSessions returns sessions newest first. limit <= 0 means no limit.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	return s.SearchSessions(ctx, SessionQuery{Limit: limit})
}

// SearchSessions returns the sessions matching every set filter, newest first
func (s *Store) SearchSessions(ctx context.Context, q SessionQuery) ([]*models.Session, error) {
	var (
		conditions []string
		args       []any
	)

	if q.Text != "" {
		conditions = append(conditions, "(display_name LIKE ? OR target_title LIKE ? OR package_name LIKE ?)")
		pattern := "%" + q.Text + "%"
		args = append(args, pattern, pattern, pattern)
	}
	if q.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if q.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(q.Status))
	}
	if len(q.Tags) > 0 {
		// Tags are stored as a JSON array, so match the quoted element
		tagConditions := make([]string, 0, len(q.Tags))
		for _, tag := range q.Tags {
			tagConditions = append(tagConditions, "tags LIKE ?")
			args = append(args, `%"`+tag+`"%`)
		}
		conditions = append(conditions, "("+strings.Join(tagConditions, " OR ")+")")
	}

	query := "SELECT " + sessionColumns + " FROM sessions"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var sessions []*models.Session
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			session, err := scanSession(stmt)
			if err != nil {
				return err
			}
			sessions = append(sessions, session)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: search sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session together with its metrics and network requests
func (s *Store) DeleteSession(ctx context.Context, id string) (err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.Execute(conn, "DELETE FROM sessions WHERE id = ?", &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return fmt.Errorf("storage: delete session %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	for _, table := range []string{"metrics", "network_requests"} {
		if err = sqlitex.Execute(conn, "DELETE FROM "+table+" WHERE session_id = ?", &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return fmt.Errorf("storage: delete %s of session %s: %w", table, id, err)
		}
	}
	return nil
}

func scanSession(stmt *sqlite.Stmt) (*models.Session, error) {
	// Columns: id(0), device_id(1), device_name(2), webview_url(3),
	// package_name(4), target_title(5), started_at(6), ended_at(7),
	// status(8), display_name(9), tags(10)
	session := &models.Session{
		ID:          stmt.ColumnText(0),
		DeviceID:    stmt.ColumnText(1),
		DeviceName:  columnText(stmt, 2),
		WebviewURL:  columnText(stmt, 3),
		PackageName: columnText(stmt, 4),
		TargetTitle: columnText(stmt, 5),
		StartedAt:   stmt.ColumnInt64(6),
		EndedAt:     columnInt64(stmt, 7),
		Status:      models.ParseSessionStatus(stmt.ColumnText(8)),
		DisplayName: columnText(stmt, 9),
	}

	if !stmt.ColumnIsNull(10) {
		if err := json.Unmarshal([]byte(stmt.ColumnText(10)), &session.Tags); err != nil {
			return nil, fmt.Errorf("storage: decoding tags of session %s: %w", session.ID, err)
		}
	}
	return session, nil
}

func encodeTags(tags []string) (any, error) {
	if tags == nil {
		return nil, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("storage: encoding tags: %w", err)
	}
	return string(data), nil
}
