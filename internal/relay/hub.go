// Package relay is the server side of the WebSocket transport: it fans
// frames out between the clients of a room and keeps a replica of each
// room's document for catch-up and persistence.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"peerprep/collab/internal/document"
	"peerprep/collab/internal/metrics"
	"peerprep/collab/internal/models"
	"peerprep/collab/internal/store"
)

// Hub manages all active rooms.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	replicas *document.Registry
	store    store.SnapshotStore
	logger   *zap.Logger
}

type Option func(*Hub)

// WithStore persists room snapshots to s. Without one, rooms live only as
// long as they have clients.
func WithStore(s store.SnapshotStore) Option {
	return func(h *Hub) { h.store = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{rooms: make(map[string]*Room), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	h.replicas = document.NewRegistry(
		document.WithLogger(h.logger),
		document.WithClientIDs(func() string { return ID }),
	)
	return h
}

// GetOrCreate returns the room, creating its replica and seeding it from
// the store if needed.
func (h *Hub) GetOrCreate(ctx context.Context, id string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.getOrCreateLocked(ctx, id)
}

// Join attaches c to the room, creating it if needed. Joining under the hub
// lock keeps a concurrent last Leave from closing the room in between.
func (h *Hub) Join(ctx context.Context, id string, c *Client) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.getOrCreateLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Join(c)
	return r, nil
}

func (h *Hub) getOrCreateLocked(ctx context.Context, id string) (*Room, error) {
	if r, ok := h.rooms[id]; ok {
		return r, nil
	}

	replica, err := h.replicas.GetOrCreate(id, "")
	if err != nil {
		return nil, err
	}
	r := newRoom(id, replica, h.logger)
	if h.store != nil {
		snap, err := h.store.Load(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			r.close()
			h.replicas.Remove(id)
			return nil, fmt.Errorf("load snapshot for room %s: %w", id, err)
		default:
			if err := r.load(snap.Data); err != nil {
				h.logger.Warn("ignoring unreadable snapshot", zap.String("room", id), zap.Error(err))
			}
		}
	}
	h.rooms[id] = r
	metrics.RoomsActive.Inc()
	h.logger.Info("room opened", zap.String("room", id))
	return r, nil
}

func (h *Hub) Get(id string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[id]
	return r, ok
}

// Leave detaches c from the room. When the last client leaves the room is
// persisted and dropped.
func (h *Hub) Leave(ctx context.Context, r *Room, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r.Leave(c) > 0 || h.rooms[r.ID] != r {
		return
	}
	if err := h.persist(ctx, r); err != nil {
		h.logger.Error("persisting room on close", zap.String("room", r.ID), zap.Error(err))
	}
	h.deleteLocked(r.ID)
}

// Delete drops a room without persisting it.
func (h *Hub) Delete(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleteLocked(id)
}

func (h *Hub) deleteLocked(id string) {
	r, ok := h.rooms[id]
	if !ok {
		return
	}
	delete(h.rooms, id)
	r.close()
	h.replicas.Remove(id)
	metrics.RoomsActive.Dec()
	h.logger.Info("room closed", zap.String("room", id))
}

// GetDoc returns the encoded replica of a room.
func (h *Hub) GetDoc(id string) ([]byte, bool) {
	r, ok := h.Get(id)
	if !ok {
		return nil, false
	}
	data, _ := r.Snapshot()
	return data, true
}

func (h *Hub) Rooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) Stats() models.HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := models.HubStats{Rooms: len(h.rooms)}
	for _, r := range h.rooms {
		stats.Clients += r.GetClientCount()
	}
	return stats
}

// Summaries describes every room, ordered by id.
func (h *Hub) Summaries() []models.RoomSummary {
	out := make([]models.RoomSummary, 0)
	for _, id := range h.Rooms() {
		if r, ok := h.Get(id); ok {
			out = append(out, r.Summary())
		}
	}
	return out
}

// PersistDirty saves every room that changed since its last save and
// returns how many were written.
func (h *Hub) PersistDirty(ctx context.Context) (int, error) {
	if h.store == nil {
		return 0, nil
	}
	h.mu.RLock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		if r.Dirty() {
			rooms = append(rooms, r)
		}
	}
	h.mu.RUnlock()

	var errs []error
	saved := 0
	for _, r := range rooms {
		if err := h.persist(ctx, r); err != nil {
			errs = append(errs, err)
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

func (h *Hub) persist(ctx context.Context, r *Room) error {
	if h.store == nil || !r.Dirty() {
		return nil
	}
	data, version := r.Snapshot()
	if err := h.store.Save(ctx, r.ID, data); err != nil {
		metrics.SnapshotsPersisted.WithLabelValues("error").Inc()
		return err
	}
	r.MarkClean(version)
	metrics.SnapshotsPersisted.WithLabelValues("ok").Inc()
	h.logger.Debug("room persisted", zap.String("room", r.ID), zap.Int("bytes", len(data)))
	return nil
}

// Close persists and drops every room.
func (h *Hub) Close(ctx context.Context) error {
	_, err := h.PersistDirty(ctx)
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.rooms {
		h.deleteLocked(id)
	}
	return err
}
