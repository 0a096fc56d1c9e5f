package relay

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"peerprep/collab/internal/document"
	"peerprep/collab/internal/metrics"
	"peerprep/collab/internal/models"
)

// ID is the sender id the relay uses for frames it originates.
const ID = "relay"

// Room holds the relay's replica of a room document and the clients
// connected to it. The replica lets late joiners catch up without any other
// participant online, and is what gets persisted.
type Room struct {
	ID string

	mu        sync.Mutex
	clients   map[*Client]struct{}
	replica   *document.Document
	version   uint64
	saved     uint64
	updatedAt time.Time
	logger    *zap.Logger

	stopWatch func()
}

func newRoom(id string, replica *document.Document, logger *zap.Logger) *Room {
	r := &Room{
		ID:        id,
		clients:   make(map[*Client]struct{}),
		replica:   replica,
		updatedAt: time.Now(),
		logger:    logger.With(zap.String("room", id)),
	}
	r.stopWatch = replica.OnChange(func(document.Change) {
		r.mu.Lock()
		r.version++
		r.updatedAt = time.Now()
		r.mu.Unlock()
	})
	return r
}

// Join attaches c and brings it up to date: the replica's full state
// followed by the last presence of every other participant.
func (r *Room) Join(c *Client) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	metrics.ClientsConnected.Inc()

	catchUp := []models.Frame{{Type: models.FrameState, Room: r.ID, From: ID, To: c.ID, Payload: r.replica.Save()}}
	payloads := r.replica.PeerPayloads()
	for _, id := range sortedKeys(payloads) {
		if id == c.ID || id == ID {
			continue
		}
		catchUp = append(catchUp, models.Frame{Type: models.FrameAwareness, Room: r.ID, From: id, To: c.ID, Payload: payloads[id]})
	}
	// Frames fanned out after c became visible queue behind the catch-up.
	c.mu.Lock()
	r.mu.Unlock()
	defer c.mu.Unlock()

	for _, frame := range catchUp {
		if err := c.sendLocked(frame); err != nil {
			r.logger.Debug("send failed", zap.String("client", c.ID), zap.Error(err))
			return
		}
	}
}

// Leave detaches c and returns how many clients remain. Peers are told the
// participant left unless it is still attached through another connection.
func (r *Room) Leave(c *Client) int {
	r.mu.Lock()
	if _, ok := r.clients[c]; !ok {
		n := len(r.clients)
		r.mu.Unlock()
		return n
	}
	delete(r.clients, c)
	metrics.ClientsConnected.Dec()
	gone := !r.hasIDLocked(c.ID)
	n := len(r.clients)
	r.mu.Unlock()

	if gone {
		r.replica.ForgetPeers(c.ID)
		r.Broadcast(c, models.Frame{Type: models.FrameBye, Room: r.ID, From: c.ID})
	}
	return n
}

func (r *Room) hasIDLocked(id string) bool {
	for other := range r.clients {
		if other.ID == id {
			return true
		}
	}
	return false
}

// Handle records a frame from c in the replica and forwards it. The sender
// and room are taken from the connection, never from the frame.
func (r *Room) Handle(c *Client, frame models.Frame) {
	frame.From = c.ID
	frame.Room = r.ID
	metrics.FramesRelayed.WithLabelValues(string(frame.Type)).Inc()

	switch frame.Type {
	case models.FrameHello, models.FrameState, models.FrameUpdate:
		if len(frame.Payload) > 0 {
			if err := r.replica.Merge(frame.Payload); err != nil {
				r.logger.Warn("dropping undecodable changes",
					zap.String("client", c.ID), zap.String("type", string(frame.Type)), zap.Error(err))
				return
			}
		}
	case models.FrameAwareness, models.FrameBye:
		stored := frame
		stored.To = ""
		r.replica.HandleFrame(stored)
	default:
		r.logger.Debug("dropping unknown frame", zap.String("client", c.ID), zap.String("type", string(frame.Type)))
		return
	}

	if frame.To != "" {
		r.SendTo(frame.To, frame)
		return
	}
	r.Broadcast(c, frame)
}

// Broadcast sends frame to every client except sender. Writes happen
// outside the room lock, so a slow connection only delays this call.
func (r *Room) Broadcast(sender *Client, frame models.Frame) {
	for _, c := range r.targets(func(c *Client) bool { return c != sender }) {
		r.send(c, frame)
	}
}

// SendTo sends frame to every connection of client id.
func (r *Room) SendTo(id string, frame models.Frame) {
	for _, c := range r.targets(func(c *Client) bool { return c.ID == id }) {
		r.send(c, frame)
	}
}

func (r *Room) targets(match func(*Client) bool) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		if match(c) {
			out = append(out, c)
		}
	}
	return out
}

func (r *Room) send(c *Client, frame models.Frame) {
	if err := c.Send(frame); err != nil {
		r.logger.Debug("send failed", zap.String("client", c.ID), zap.Error(err))
	}
}

func (r *Room) GetClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Snapshot returns the encoded replica and the version it reflects.
func (r *Room) Snapshot() ([]byte, uint64) {
	r.mu.Lock()
	v := r.version
	r.mu.Unlock()
	return r.replica.Save(), v
}

// Dirty reports whether the replica changed since the last MarkClean.
func (r *Room) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version != r.saved
}

// MarkClean records that the snapshot taken at version was persisted.
func (r *Room) MarkClean(version uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.saved {
		r.saved = version
	}
}

// Keys lists the root keys of the replica.
func (r *Room) Keys() ([]string, error) { return r.replica.Keys() }

func (r *Room) Summary() models.RoomSummary {
	data, _ := r.Snapshot()
	peers := sortedKeys(r.replica.PeerPayloads())

	r.mu.Lock()
	defer r.mu.Unlock()
	return models.RoomSummary{
		Room:      r.ID,
		Clients:   len(r.clients),
		Peers:     peers,
		Bytes:     len(data),
		Dirty:     r.version != r.saved,
		UpdatedAt: r.updatedAt,
	}
}

// load merges a persisted snapshot without marking the room dirty.
func (r *Room) load(data []byte) error {
	if err := r.replica.Merge(data); err != nil {
		return err
	}
	r.mu.Lock()
	r.saved = r.version
	r.mu.Unlock()
	return nil
}

func (r *Room) close() {
	r.stopWatch()
	r.mu.Lock()
	n := len(r.clients)
	r.clients = make(map[*Client]struct{})
	r.mu.Unlock()
	metrics.ClientsConnected.Sub(float64(n))
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
