// Package awareness publishes the local participant's presence into the
// active room's peer-state channel and aggregates everyone else's.
package awareness

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerprep/collab/internal/clock"
	"peerprep/collab/internal/codec"
	"peerprep/collab/internal/document"
	"peerprep/collab/internal/models"
	"peerprep/collab/internal/observe"
	"peerprep/collab/internal/session"
)

type Option func(*Tracker)

// WithStaleAfter evicts peer records not refreshed for d and republishes
// the local record every d/2 as a heartbeat. Zero disables the sweep.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) { t.staleAfter = d }
}

func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// Tracker holds one participant's presence. The local record survives
// room switches and is republished into each newly attached document.
// Each tracker owns its own slot in the document's peer-state channel, so
// trackers of sessions sharing a document never overwrite each other.
type Tracker struct {
	slot       string
	staleAfter time.Duration
	clock      clock.Clock
	logger     *zap.Logger

	mu        sync.Mutex
	doc       *document.Document
	cancelDoc func()
	sweep     *clock.Timer
	local     models.PresenceRecord
	published bool
	users     []models.PresenceRecord

	observers observe.Set[[]models.PresenceRecord]
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		slot:   uuid.NewString(),
		clock:  clock.Real(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Attach scopes the tracker to doc, detaching from any previous document.
func (t *Tracker) Attach(doc *document.Document) {
	t.mu.Lock()
	if t.doc == doc {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.Detach()

	cancel := doc.OnPeerStates(t.refresh)

	t.mu.Lock()
	t.doc = doc
	t.cancelDoc = cancel
	if interval := t.staleAfter / 2; interval > 0 {
		t.sweep = t.clock.AfterFunc(interval, func() { t.runSweep(doc) })
	}
	republish := t.published
	t.mu.Unlock()

	if republish {
		t.publish()
	}
	t.refresh()
}

// Detach removes the local record from the current document and stops
// observing it. The local record is kept for the next Attach.
func (t *Tracker) Detach() {
	t.mu.Lock()
	doc := t.doc
	cancel := t.cancelDoc
	sweep := t.sweep
	published := t.published
	t.doc = nil
	t.cancelDoc = nil
	t.sweep = nil
	t.users = nil
	t.mu.Unlock()

	if doc == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	if sweep != nil {
		sweep.Stop()
	}
	if published {
		doc.SetSlotState(t.slot, nil)
	}
	t.observers.Emit(nil)
}

// Follow keeps the tracker attached to whatever room ctrl is bound to.
func (t *Tracker) Follow(ctrl *session.Controller) (cancel func()) {
	apply := func(st session.State) {
		if st.Document == nil {
			t.Detach()
			return
		}
		t.Attach(st.Document)
	}
	cancel = ctrl.Subscribe(apply)
	apply(ctrl.State())
	return cancel
}

// SetUser merges the non-empty fields of id into the local identity.
func (t *Tracker) SetUser(id models.Identity) {
	t.update(func(rec *models.PresenceRecord) {
		if rec.Identity == nil {
			rec.Identity = &models.Identity{}
		}
		if id.ID != "" {
			rec.Identity.ID = id.ID
		}
		if id.Name != "" {
			rec.Identity.Name = id.Name
		}
		if id.Color != "" {
			rec.Identity.Color = id.Color
		}
		if id.Avatar != "" {
			rec.Identity.Avatar = id.Avatar
		}
	})
}

func (t *Tracker) SetCursor(x, y float64) {
	t.update(func(rec *models.PresenceRecord) {
		rec.Cursor = &models.Cursor{X: x, Y: y}
	})
}

func (t *Tracker) SetSelection(start, end int) {
	t.update(func(rec *models.PresenceRecord) {
		rec.Selection = &models.Selection{Start: start, End: end}
	})
}

// ClearPresence removes the local record; peers see it disappear.
func (t *Tracker) ClearPresence() {
	t.mu.Lock()
	t.local = models.PresenceRecord{}
	t.published = false
	doc := t.doc
	t.mu.Unlock()

	if doc != nil {
		doc.SetSlotState(t.slot, nil)
	}
}

func (t *Tracker) update(fn func(*models.PresenceRecord)) {
	t.mu.Lock()
	fn(&t.local)
	t.local.LastSeen = t.clock.Now()
	t.published = true
	t.mu.Unlock()
	t.publish()
}

func (t *Tracker) publish() {
	t.mu.Lock()
	doc := t.doc
	rec := t.local
	published := t.published
	t.mu.Unlock()
	if doc == nil || !published {
		return
	}

	raw, err := codec.Marshal(rec)
	if err != nil {
		t.logger.Warn("encoding presence", zap.Error(err))
		return
	}
	doc.SetSlotState(t.slot, raw)
}

// Users returns everyone else's presence in the attached room, including
// other participants sharing this process's replica.
func (t *Tracker) Users() []models.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.PresenceRecord(nil), t.users...)
}

// Local returns the local record. The second result is false until one of
// the Set methods has been called.
func (t *Tracker) Local() (models.PresenceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.local
	rec.Slot = t.slot
	if t.doc != nil {
		rec.ClientID = t.doc.ClientID()
	}
	return rec, t.published
}

// Subscribe registers fn for every change to Users.
func (t *Tracker) Subscribe(fn func([]models.PresenceRecord)) (cancel func()) {
	return t.observers.Add(fn)
}

// Close detaches and drops every subscriber.
func (t *Tracker) Close() {
	t.Detach()
	t.observers.Clear()
}

func (t *Tracker) refresh() {
	t.mu.Lock()
	doc := t.doc
	t.mu.Unlock()
	if doc == nil {
		return
	}

	self := doc.ClientID()
	var users []models.PresenceRecord
	for _, state := range doc.PeerStates() {
		if state.ClientID == self && state.Slot == t.slot {
			continue
		}
		var rec models.PresenceRecord
		if err := codec.Unmarshal(state.Payload, &rec); err != nil {
			t.logger.Debug("dropping undecodable presence", zap.String("client", state.ClientID), zap.Error(err))
			continue
		}
		rec.ClientID = state.ClientID
		rec.Slot = state.Slot
		users = append(users, rec)
	}

	t.mu.Lock()
	if t.doc != doc {
		t.mu.Unlock()
		return
	}
	t.users = users
	t.mu.Unlock()

	t.observers.Emit(append([]models.PresenceRecord(nil), users...))
}

func (t *Tracker) runSweep(doc *document.Document) {
	t.mu.Lock()
	if t.doc != doc {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	heartbeat := t.published
	if heartbeat {
		t.local.LastSeen = now
	}
	t.mu.Unlock()

	self := doc.ClientID()
	var stale []string
	for _, state := range doc.PeerStates() {
		if state.ClientID == self || now.Sub(state.UpdatedAt) <= t.staleAfter {
			continue
		}
		// States are ordered by client id; a replica's slots share one stamp.
		if n := len(stale); n == 0 || stale[n-1] != state.ClientID {
			stale = append(stale, state.ClientID)
		}
	}
	if len(stale) > 0 {
		t.logger.Info("evicting stale presence", zap.Strings("clients", stale))
		doc.ForgetPeers(stale...)
	}
	if heartbeat {
		t.publish()
	}

	t.mu.Lock()
	if t.doc == doc {
		t.sweep = t.clock.AfterFunc(t.staleAfter/2, func() { t.runSweep(doc) })
	}
	t.mu.Unlock()
}
