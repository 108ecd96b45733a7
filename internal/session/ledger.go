package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/termroom/internal/db"
)

// ErrNoLedger is returned by history queries when no ledger is configured.
var ErrNoLedger = errors.New("session: room ledger disabled")

const ledgerWriteTimeout = 5 * time.Second

// Ledger records room lifecycle metadata. Terminal output is never stored.
type Ledger struct {
	rooms  *db.RoomRepo
	events *db.RoomEventRepo
}

func NewLedger(conn *sql.DB) *Ledger {
	return &Ledger{
		rooms:  db.NewRoomRepo(conn),
		events: db.NewRoomEventRepo(conn),
	}
}

func (l *Ledger) roomCreated(ctx context.Context, code, dir, command, name string) (string, error) {
	rec := &db.RoomRecord{Code: code, Dir: dir, Command: command}
	if err := l.rooms.Create(ctx, rec); err != nil {
		return "", err
	}
	if err := l.record(ctx, rec.ID, db.EventCreated, name, dir); err != nil {
		return rec.ID, err
	}
	return rec.ID, nil
}

func (l *Ledger) record(ctx context.Context, roomID, kind, name, detail string) error {
	return l.events.Record(ctx, &db.RoomEvent{RoomID: roomID, Kind: kind, Name: name, Detail: detail})
}

func (l *Ledger) roomDestroyed(ctx context.Context, roomID string, exitCode *int, reason string) error {
	if err := l.rooms.MarkDestroyed(ctx, roomID, time.Now(), exitCode); err != nil {
		return err
	}
	return l.record(ctx, roomID, db.EventDestroyed, "", reason)
}

// latest returns the most recent lifetime that used code.
func (l *Ledger) latest(ctx context.Context, code string) (*db.RoomRecord, error) {
	recs, err := l.rooms.ListByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

func (l *Ledger) eventsFor(ctx context.Context, roomID string) ([]*db.RoomEvent, error) {
	events, err := l.events.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load room history: %w", err)
	}
	return events, nil
}
