// Package document manages replicated room documents: one automerge
// replica per room, its transport, the typed shared-type handles stored
// under its root map, and the peer-state channel used for presence.
package document

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"go.uber.org/zap"

	"peerprep/collab/internal/clock"
	"peerprep/collab/internal/codec"
	"peerprep/collab/internal/models"
	"peerprep/collab/internal/observe"
	"peerprep/collab/internal/transport"
)

// PeerState is one participant's entry in the peer-state channel. Payload
// is opaque to the document.
type PeerState struct {
	ClientID string
	// Slot tells apart participants sharing one replica, such as two
	// sessions in the same process. Empty for the default slot.
	Slot      string
	Payload   []byte
	UpdatedAt time.Time
}

type localSlot struct {
	payload []byte
	at      time.Time
}

// remotePeer is the last awareness payload from one replica, decoded into
// its slots.
type remotePeer struct {
	raw   []byte
	slots map[string][]byte
	at    time.Time
}

type handle interface {
	Key() string
	Kind() Kind
	notify()
}

// Document is one room's replica. All access to the automerge document is
// serialised by mu; observers run after mu is released, on the goroutine
// that caused the change.
type Document struct {
	room     string
	clientID string
	endpoint string
	clock    clock.Clock
	logger   *zap.Logger

	mu        sync.Mutex
	doc       *automerge.Doc
	transport transport.Transport
	status    models.ConnectionStatus
	handles   map[string]handle
	local     map[string]localSlot
	peers     map[string]remotePeer
	closed    bool

	// Status delivery runs on one goroutine at a time and reports the
	// status current at delivery, so observers settle on the final one.
	emitted  models.ConnectionStatus
	emitting bool
	pending  bool

	// guarded by Registry.mu
	refs  int
	evict *clock.Timer

	statusObs observe.Set[models.ConnectionStatus]
	peerObs   observe.Set[struct{}]
	changeObs observe.Set[Change]
}

// Change describes a modification of the replica.
type Change struct {
	// Key is the root key a local mutation touched. Empty for remote changes.
	Key    string
	Remote bool
}

func newDocument(room, clientID string, clk clock.Clock, logger *zap.Logger) *Document {
	return &Document{
		room:     room,
		clientID: clientID,
		clock:    clk,
		logger:   logger.With(zap.String("room", room), zap.String("client", clientID)),
		doc:      automerge.New(),
		status:   models.StatusIdle,
		handles:  make(map[string]handle),
		local:    make(map[string]localSlot),
		peers:    make(map[string]remotePeer),
	}
}

func (d *Document) Room() string { return d.room }

// ClientID identifies this replica on the wire and in the peer-state
// channel.
func (d *Document) ClientID() string { return d.clientID }

// Endpoint is the transport endpoint the document was created with. Empty
// means offline.
func (d *Document) Endpoint() string { return d.endpoint }

// Online reports whether the document has a transport.
func (d *Document) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transport != nil
}

func (d *Document) Status() models.ConnectionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Refs reports how many sessions hold the document.
func (d *Document) Refs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refs
}

// OnStatus registers fn for connection status transitions.
func (d *Document) OnStatus(fn func(models.ConnectionStatus)) (cancel func()) {
	return d.statusObs.Add(fn)
}

// OnChange registers fn for every committed local mutation and every remote
// change that altered the replica.
func (d *Document) OnChange(fn func(Change)) (cancel func()) {
	return d.changeObs.Add(fn)
}

// Save returns the full encoded document.
func (d *Document) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// Merge applies an encoded document or change set obtained elsewhere, for
// example a persisted snapshot. Handle observers are notified if anything
// changed.
func (d *Document) Merge(raw []byte) error {
	changed, err := d.apply(raw)
	if err != nil {
		return err
	}
	if changed {
		d.notifyRemote()
	}
	return nil
}

// Close disconnects the transport, releases it and drops every observer.
func (d *Document) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	t := d.transport
	d.mu.Unlock()

	if t != nil {
		t.Disconnect()
		if err := t.Close(); err != nil {
			d.logger.Warn("closing transport", zap.Error(err))
		}
	}
	d.statusObs.Clear()
	d.peerObs.Clear()
	d.changeObs.Clear()
}

func (d *Document) connect() {
	d.mu.Lock()
	if d.closed || d.transport == nil ||
		d.status == models.StatusConnecting || d.status == models.StatusConnected {
		d.mu.Unlock()
		return
	}
	d.status = models.StatusConnecting
	t := d.transport
	d.mu.Unlock()

	d.logger.Debug("connecting", zap.String("endpoint", d.endpoint))
	d.emitStatus()
	t.Connect()
}

func (d *Document) disconnect() {
	d.mu.Lock()
	t := d.transport
	active := d.status == models.StatusConnecting || d.status == models.StatusConnected
	d.mu.Unlock()
	if t == nil || !active {
		return
	}
	t.Disconnect()
	// Transports normally report this themselves; make sure the state
	// machine settles even if one does not.
	d.HandleStatus(models.StatusDisconnected)
}

// HandleStatus implements transport.Sink.
func (d *Document) HandleStatus(status models.ConnectionStatus) {
	d.mu.Lock()
	if d.status == status || d.closed {
		d.mu.Unlock()
		return
	}
	// A Connected from a link that was already dropped arrives with no
	// connect in flight.
	if status == models.StatusConnected && d.status != models.StatusConnecting {
		current := d.status
		d.mu.Unlock()
		d.logger.Debug("ignoring late connected report", zap.String("status", string(current)))
		return
	}
	d.status = status

	var hello, presence []byte
	peersDropped := false
	switch status {
	case models.StatusConnected:
		hello = d.doc.Save()
		presence = d.encodeLocalLocked()
	case models.StatusDisconnected:
		for id := range d.peers {
			delete(d.peers, id)
			peersDropped = true
		}
	}
	d.mu.Unlock()

	d.logger.Info("connection status", zap.String("status", string(status)))
	if status == models.StatusConnected {
		d.send(models.Frame{Type: models.FrameHello, Payload: hello})
		if presence != nil {
			d.send(models.Frame{Type: models.FrameAwareness, Payload: presence})
		}
	}
	d.emitStatus()
	if peersDropped {
		d.peerObs.Emit(struct{}{})
	}
}

func (d *Document) emitStatus() {
	d.mu.Lock()
	d.pending = true
	if d.emitting {
		d.mu.Unlock()
		return
	}
	d.emitting = true
	for d.pending {
		d.pending = false
		status := d.status
		if status == d.emitted {
			continue
		}
		d.emitted = status
		d.mu.Unlock()
		d.statusObs.Emit(status)
		d.mu.Lock()
	}
	d.emitting = false
	d.mu.Unlock()
}

// HandleFrame implements transport.Sink.
func (d *Document) HandleFrame(frame models.Frame) {
	if frame.From == d.clientID || frame.From == "" {
		return
	}
	if frame.To != "" && frame.To != d.clientID {
		return
	}
	if frame.Room != "" && frame.Room != d.room {
		return
	}

	switch frame.Type {
	case models.FrameHello:
		d.mergeRemote(frame)
		d.mu.Lock()
		state := d.doc.Save()
		presence := d.encodeLocalLocked()
		d.mu.Unlock()
		d.send(models.Frame{Type: models.FrameState, To: frame.From, Payload: state})
		if presence != nil {
			d.send(models.Frame{Type: models.FrameAwareness, To: frame.From, Payload: presence})
		}
	case models.FrameState, models.FrameUpdate:
		d.mergeRemote(frame)
	case models.FrameAwareness:
		d.setPeer(frame.From, frame.Payload)
	case models.FrameBye:
		d.setPeer(frame.From, nil)
	default:
		d.logger.Debug("ignoring frame", zap.String("type", string(frame.Type)))
	}
}

func (d *Document) mergeRemote(frame models.Frame) {
	if len(frame.Payload) == 0 {
		return
	}
	changed, err := d.apply(frame.Payload)
	if err != nil {
		d.logger.Warn("merging remote changes",
			zap.String("from", frame.From), zap.String("type", string(frame.Type)), zap.Error(err))
		return
	}
	if changed {
		d.notifyRemote()
	}
}

func (d *Document) apply(raw []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	before := d.doc.Heads()
	if err := d.doc.LoadIncremental(raw); err != nil {
		return false, fmt.Errorf("load changes: %w", err)
	}
	// Advance the incremental cursor past the remote changes so the next
	// local update carries only local work.
	_ = d.doc.SaveIncremental()
	return !sameHeads(before, d.doc.Heads()), nil
}

func (d *Document) notifyRemote() {
	d.mu.Lock()
	handles := make([]handle, 0, len(d.handles))
	for _, h := range d.handles {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].Key() < handles[j].Key() })
	for _, h := range handles {
		h.notify()
	}
	d.changeObs.Emit(Change{Remote: true})
}

// change runs fn against the replica under the lock. When fn reports a
// modification the change is committed and shipped to peers, even if fn
// also returned an error.
func (d *Document) change(key, msg string, fn func(doc *automerge.Doc) (bool, error)) (bool, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false, ErrClosed
	}
	changed, err := fn(d.doc)
	if !changed {
		d.mu.Unlock()
		return false, err
	}
	// Ops applied before an error are committed too, so nothing is left
	// pending for the next unrelated change.
	if _, cerr := d.doc.Commit(msg); cerr != nil {
		d.mu.Unlock()
		return false, fmt.Errorf("commit %s: %w", msg, cerr)
	}
	update := d.doc.SaveIncremental()
	d.mu.Unlock()

	if len(update) > 0 {
		d.send(models.Frame{Type: models.FrameUpdate, Payload: update})
	}
	d.changeObs.Emit(Change{Key: key})
	return true, err
}

// send ships a frame if the transport is up. Never call with mu held.
func (d *Document) send(frame models.Frame) {
	d.mu.Lock()
	t := d.transport
	connected := d.status == models.StatusConnected
	d.mu.Unlock()
	if t == nil || !connected {
		return
	}

	frame.Room = d.room
	frame.From = d.clientID
	if err := t.Send(frame); err != nil {
		d.logger.Debug("send failed", zap.String("type", string(frame.Type)), zap.Error(err))
	}
}

/*** Peer-state channel ***/

// On the wire a replica's awareness payload is a CBOR map from slot to
// that slot's payload, so every local participant travels in one frame.

// SetLocalState publishes the default slot's peer state. A nil payload
// removes it.
func (d *Document) SetLocalState(payload []byte) {
	d.SetSlotState("", payload)
}

// SetSlotState publishes the peer state of one local participant. A nil
// payload removes that slot and leaves the others in place.
func (d *Document) SetSlotState(slot string, payload []byte) {
	d.mu.Lock()
	if payload == nil {
		if _, ok := d.local[slot]; !ok {
			d.mu.Unlock()
			return
		}
		delete(d.local, slot)
	} else {
		d.local[slot] = localSlot{payload: bytes.Clone(payload), at: d.clock.Now()}
	}
	raw := d.encodeLocalLocked()
	d.mu.Unlock()

	d.send(models.Frame{Type: models.FrameAwareness, Payload: raw})
	d.peerObs.Emit(struct{}{})
}

// LocalState returns the default slot's peer state, or nil.
func (d *Document) LocalState() []byte {
	return d.SlotState("")
}

// SlotState returns the peer state published for slot, or nil.
func (d *Document) SlotState(slot string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.local[slot].payload)
}

// PeerStates returns every known state including the local ones, ordered
// by client id and slot.
func (d *Document) PeerStates() []PeerState {
	d.mu.Lock()
	out := make([]PeerState, 0, len(d.peers)+len(d.local))
	for slot, l := range d.local {
		out = append(out, PeerState{ClientID: d.clientID, Slot: slot, Payload: bytes.Clone(l.payload), UpdatedAt: l.at})
	}
	for id, p := range d.peers {
		for slot, payload := range p.slots {
			out = append(out, PeerState{ClientID: id, Slot: slot, Payload: bytes.Clone(payload), UpdatedAt: p.at})
		}
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].Slot < out[j].Slot
	})
	return out
}

// PeerPayloads returns the last awareness payload received from each
// remote replica, keyed by client id, exactly as it arrived.
func (d *Document) PeerPayloads() map[string][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]byte, len(d.peers))
	for id, p := range d.peers {
		out[id] = bytes.Clone(p.raw)
	}
	return out
}

// OnPeerStates registers fn for any change to the peer-state set.
func (d *Document) OnPeerStates(fn func()) (cancel func()) {
	return d.peerObs.Add(func(struct{}) { fn() })
}

// ForgetPeers drops remote states. Peers that are still alive reappear with
// their next publication.
func (d *Document) ForgetPeers(clientIDs ...string) {
	d.mu.Lock()
	removed := false
	for _, id := range clientIDs {
		if _, ok := d.peers[id]; ok {
			delete(d.peers, id)
			removed = true
		}
	}
	d.mu.Unlock()
	if removed {
		d.peerObs.Emit(struct{}{})
	}
}

func (d *Document) setPeer(clientID string, payload []byte) {
	slots := decodeSlots(payload)
	d.mu.Lock()
	if len(slots) == 0 {
		if _, ok := d.peers[clientID]; !ok {
			d.mu.Unlock()
			return
		}
		delete(d.peers, clientID)
	} else {
		d.peers[clientID] = remotePeer{raw: bytes.Clone(payload), slots: slots, at: d.clock.Now()}
	}
	d.mu.Unlock()
	d.peerObs.Emit(struct{}{})
}

func (d *Document) encodeLocalLocked() []byte {
	if len(d.local) == 0 {
		return nil
	}
	slots := make(map[string][]byte, len(d.local))
	for slot, l := range d.local {
		slots[slot] = l.payload
	}
	raw, err := codec.Marshal(slots)
	if err != nil {
		d.logger.Warn("encoding peer state", zap.Error(err))
		return nil
	}
	return raw
}

// decodeSlots splits an awareness payload into its slots. A payload that is
// not a slot map is taken as the sender's default slot.
func decodeSlots(payload []byte) map[string][]byte {
	if len(payload) == 0 {
		return nil
	}
	var slots map[string][]byte
	if err := codec.Unmarshal(payload, &slots); err != nil {
		return map[string][]byte{"": bytes.Clone(payload)}
	}
	for slot, p := range slots {
		if len(p) == 0 {
			delete(slots, slot)
		}
	}
	return slots
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[automerge.ChangeHash]struct{}, len(a))
	for _, h := range a {
		seen[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := seen[h]; !ok {
			return false
		}
	}
	return true
}
