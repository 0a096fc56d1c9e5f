package transport

import (
	"net/url"
	"sort"
	"sync"

	"peerprep/collab/internal/codec"
	"peerprep/collab/internal/models"
)

// Bus is an in-process room network. Frames are delivered synchronously on
// the sender's goroutine after a round trip through the wire codec.
type Bus struct {
	mu     sync.Mutex
	rooms  map[string]map[string]*memoryTransport
	refuse bool
	sent   int
}

func NewBus() *Bus {
	return &Bus{rooms: make(map[string]map[string]*memoryTransport)}
}

// Factory returns a transport factory attached to b. Register it under the
// "memory" scheme.
func (b *Bus) Factory() Factory {
	return func(room string, _ *url.URL, clientID string, sink Sink) (Transport, error) {
		return &memoryTransport{bus: b, room: room, clientID: clientID, sink: sink}, nil
	}
}

// SetRefuse makes subsequent Connect calls fail with a disconnected status.
func (b *Bus) SetRefuse(refuse bool) {
	b.mu.Lock()
	b.refuse = refuse
	b.mu.Unlock()
}

// Members lists the client ids connected to room.
func (b *Bus) Members(room string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.rooms[room]))
	for id := range b.rooms[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sent reports how many frames have been sent on the bus.
func (b *Bus) Sent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent
}

func (b *Bus) join(t *memoryTransport) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refuse {
		return false
	}
	members, ok := b.rooms[t.room]
	if !ok {
		members = make(map[string]*memoryTransport)
		b.rooms[t.room] = members
	}
	members[t.clientID] = t
	return true
}

func (b *Bus) leave(t *memoryTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := b.rooms[t.room]
	if members[t.clientID] == t {
		delete(members, t.clientID)
	}
	if len(members) == 0 {
		delete(b.rooms, t.room)
	}
}

func (b *Bus) deliver(from *memoryTransport, frame models.Frame) error {
	raw, err := codec.Marshal(frame)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.sent++
	var targets []*memoryTransport
	for id, t := range b.rooms[from.room] {
		if id == from.clientID {
			continue
		}
		if frame.To != "" && frame.To != id {
			continue
		}
		targets = append(targets, t)
	}
	b.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].clientID < targets[j].clientID })
	for _, t := range targets {
		var decoded models.Frame
		if err := codec.Unmarshal(raw, &decoded); err != nil {
			return err
		}
		t.sink.HandleFrame(decoded)
	}
	return nil
}

type memoryTransport struct {
	bus      *Bus
	room     string
	clientID string
	sink     Sink

	mu        sync.Mutex
	connected bool
}

func (t *memoryTransport) Connect() {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return
	}
	ok := t.bus.join(t)
	t.connected = ok
	t.mu.Unlock()

	if !ok {
		t.sink.HandleStatus(models.StatusDisconnected)
		return
	}
	t.sink.HandleStatus(models.StatusConnected)
}

func (t *memoryTransport) Disconnect() {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.mu.Unlock()

	_ = t.bus.deliver(t, models.Frame{Type: models.FrameBye, Room: t.room, From: t.clientID})
	t.bus.leave(t)
	t.sink.HandleStatus(models.StatusDisconnected)
}

func (t *memoryTransport) Close() error {
	t.Disconnect()
	return nil
}

func (t *memoryTransport) Send(frame models.Frame) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return t.bus.deliver(t, frame)
}
