package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// CallLog is one connected span of a user in a room.
type CallLog struct {
	ID              string
	RoomID          string
	UserID          string
	JoinedAt        time.Time
	LeftAt          time.Time
	DurationSeconds *int64
}

// OpenCallLog closes any span still open for (room, user) and opens a new
// one, in one transaction. It returns the id of the new span.
func (s *Store) OpenCallLog(ctx context.Context, roomID, userID string) (id string, err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	now := s.now()
	if err = closeOpenSpans(conn, roomID, userID, now); err != nil {
		return "", err
	}

	id = uuid.NewString()
	err = sqlitex.Execute(conn,
		`INSERT INTO call_logs (id, room_id, user_id, joined_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{id, roomID, userID, now.UnixNano()}})
	if err != nil {
		return "", fmt.Errorf("store: open call log %s/%s: %w", roomID, userID, err)
	}
	return id, nil
}

// CloseCallLog sets left_at and duration on the span if it is still open.
// Closing an already closed span is a no-op.
func (s *Store) CloseCallLog(ctx context.Context, id string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	now := s.now().UnixNano()
	err = sqlitex.Execute(conn, `
		UPDATE call_logs
		SET left_at = ?, duration_seconds = (? - joined_at) / 1000000000
		WHERE id = ? AND left_at IS NULL`,
		&sqlitex.ExecOptions{Args: []any{now, now, id}})
	if err != nil {
		return fmt.Errorf("store: close call log %s: %w", id, err)
	}
	return nil
}

func closeOpenSpans(conn *sqlite.Conn, roomID, userID string, now time.Time) error {
	n := now.UnixNano()
	err := sqlitex.Execute(conn, `
		UPDATE call_logs
		SET left_at = ?, duration_seconds = (? - joined_at) / 1000000000
		WHERE room_id = ? AND user_id = ? AND left_at IS NULL`,
		&sqlitex.ExecOptions{Args: []any{n, n, roomID, userID}})
	if err != nil {
		return fmt.Errorf("store: close open call logs %s/%s: %w", roomID, userID, err)
	}
	return nil
}

// ListCallLogs returns every span for the room, oldest first.
func (s *Store) ListCallLogs(ctx context.Context, roomID string) ([]CallLog, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []CallLog
	err = sqlitex.Execute(conn, `
		SELECT id, room_id, user_id, joined_at, left_at, duration_seconds
		FROM call_logs WHERE room_id = ? ORDER BY joined_at, id`,
		&sqlitex.ExecOptions{
			Args: []any{roomID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cl := CallLog{
					ID:       stmt.ColumnText(0),
					RoomID:   stmt.ColumnText(1),
					UserID:   stmt.ColumnText(2),
					JoinedAt: columnTime(stmt, 3),
					LeftAt:   columnTime(stmt, 4),
				}
				if !stmt.ColumnIsNull(5) {
					d := stmt.ColumnInt64(5)
					cl.DurationSeconds = &d
				}
				out = append(out, cl)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list call logs %s: %w", roomID, err)
	}
	return out, nil
}
