package db

import (
	"context"
	"database/sql"
	"fmt"
)

type RoomEventRepo struct {
	db *sql.DB
}

func NewRoomEventRepo(db *sql.DB) *RoomEventRepo {
	return &RoomEventRepo{db: db}
}

func (r *RoomEventRepo) Record(ctx context.Context, event *RoomEvent) error {
	if event.ID == "" {
		event.ID = NewID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = nowUTC()
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO room_events (id, room_id, kind, name, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, event.ID, event.RoomID, event.Kind, event.Name, event.Detail, formatTimestamp(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record %s event for room %q: %w", event.Kind, event.RoomID, err)
	}
	return nil
}

// ListByRoom returns the events of one room lifetime in the order they were
// recorded.
func (r *RoomEventRepo) ListByRoom(ctx context.Context, roomID string) ([]*RoomEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, room_id, kind, name, detail, created_at
FROM room_events
WHERE room_id = ?
ORDER BY created_at ASC, rowid ASC
`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for room %q: %w", roomID, err)
	}
	defer rows.Close()

	events := []*RoomEvent{}
	for rows.Next() {
		var e RoomEvent
		var createdAtRaw string
		if err := rows.Scan(&e.ID, &e.RoomID, &e.Kind, &e.Name, &e.Detail, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan room event: %w", err)
		}
		e.CreatedAt, err = parseTimestamp(createdAtRaw)
		if err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate room events: %w", err)
	}
	return events, nil
}
