// Package store persists relay room snapshots so a room survives the relay
// restarting or every client leaving.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: snapshot not found")

// Snapshot is a saved encoded document.
type Snapshot struct {
	Room      string
	Data      []byte
	UpdatedAt time.Time
}

type SnapshotStore interface {
	Save(ctx context.Context, room string, data []byte) error
	// Load returns ErrNotFound when the room has no snapshot.
	Load(ctx context.Context, room string) (Snapshot, error)
	Delete(ctx context.Context, room string) error
}
