package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event kinds recorded in the room ledger.
const (
	EventCreated   = "created"
	EventJoined    = "joined"
	EventLeft      = "left"
	EventLinked    = "linked"
	EventDestroyed = "destroyed"
)

// RoomRecord is one room lifetime. Codes are reused after a room is
// destroyed, so records are keyed by ID.
type RoomRecord struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	Dir         string    `json:"dir"`
	Command     string    `json:"command"`
	CreatedAt   time.Time `json:"created_at"`
	DestroyedAt time.Time `json:"destroyed_at,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
}

type RoomEvent struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// timestampLayout is fixed width so stored values sort chronologically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func NewID() string {
	return uuid.NewString()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(timestampLayout)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}
