package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type RoomRepo struct {
	db *sql.DB
}

func NewRoomRepo(db *sql.DB) *RoomRepo {
	return &RoomRepo{db: db}
}

func (r *RoomRepo) Create(ctx context.Context, room *RoomRecord) error {
	if room.ID == "" {
		room.ID = NewID()
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = nowUTC()
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO rooms (id, code, dir, command, created_at)
VALUES (?, ?, ?, ?, ?)
`, room.ID, room.Code, room.Dir, room.Command, formatTimestamp(room.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create room record: %w", err)
	}
	return nil
}

// MarkDestroyed stamps the destruction time. exitCode is nil when the room
// was torn down while its process was still running.
func (r *RoomRepo) MarkDestroyed(ctx context.Context, id string, at time.Time, exitCode *int) error {
	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE rooms SET destroyed_at = ?, exit_code = ?
WHERE id = ? AND destroyed_at = ''
`, formatTimestamp(at), code, id)
	if err != nil {
		return fmt.Errorf("failed to mark room %q destroyed: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("room %q not found or already destroyed", id)
	}
	return nil
}

func (r *RoomRepo) Get(ctx context.Context, id string) (*RoomRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, code, dir, command, created_at, destroyed_at, exit_code
FROM rooms
WHERE id = ?
`, id)
	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get room %q: %w", id, err)
	}
	return room, nil
}

// ListByCode returns every lifetime that used code, newest first.
func (r *RoomRepo) ListByCode(ctx context.Context, code string) ([]*RoomRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, code, dir, command, created_at, destroyed_at, exit_code
FROM rooms
WHERE code = ?
ORDER BY created_at DESC
`, code)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms for code %q: %w", code, err)
	}
	defer rows.Close()

	var out []*RoomRecord
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		out = append(out, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rooms: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*RoomRecord, error) {
	var room RoomRecord
	var createdAtRaw, destroyedAtRaw string
	var exitCode sql.NullInt64
	if err := row.Scan(&room.ID, &room.Code, &room.Dir, &room.Command, &createdAtRaw, &destroyedAtRaw, &exitCode); err != nil {
		return nil, err
	}

	var err error
	room.CreatedAt, err = parseTimestamp(createdAtRaw)
	if err != nil {
		return nil, err
	}
	if destroyedAtRaw != "" {
		room.DestroyedAt, err = parseTimestamp(destroyedAtRaw)
		if err != nil {
			return nil, err
		}
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		room.ExitCode = &code
	}
	return &room, nil
}
