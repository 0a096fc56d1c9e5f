// Package session binds one local participant to at most one room at a
// time and tracks the connection state of that binding.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"peerprep/collab/internal/clock"
	"peerprep/collab/internal/document"
	"peerprep/collab/internal/models"
	"peerprep/collab/internal/observe"
)

// State is a snapshot of the controller.
type State struct {
	Room     string
	Status   models.ConnectionStatus
	Document *document.Document
}

// Loading reports whether a join is waiting for its first connection
// outcome.
func (s State) Loading() bool { return s.Status == models.StatusConnecting }

type Option func(*Controller)

// WithEndpoint sets the endpoint used by joins that do not name one.
func WithEndpoint(endpoint string) Option {
	return func(c *Controller) { c.endpoint = endpoint }
}

// WithConnectTimeout moves a session that is still connecting after d to
// disconnected. Zero waits forever.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

type JoinOption func(*joinConfig)

type joinConfig struct {
	endpoint string
}

// WithJoinEndpoint overrides the endpoint for one join.
func WithJoinEndpoint(endpoint string) JoinOption {
	return func(cfg *joinConfig) { cfg.endpoint = endpoint }
}

// Controller runs the Idle -> Connecting -> Connected|Disconnected -> Idle
// state machine for one participant.
type Controller struct {
	registry *document.Registry
	endpoint string
	timeout  time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	// opMu serialises JoinRoom and LeaveRoom. State reads only take mu.
	opMu sync.Mutex

	mu           sync.Mutex
	gen          uint64
	room         string
	doc          *document.Document
	status       models.ConnectionStatus
	cancelStatus func()
	timer        *clock.Timer

	// One goroutine delivers at a time and always delivers the state that
	// is current when it reads it, so the last notification subscribers see
	// matches the controller.
	emitting bool
	pending  bool

	observers observe.Set[State]
}

// New builds a controller on registry, or on document.Default() if nil.
func New(registry *document.Registry, opts ...Option) *Controller {
	if registry == nil {
		registry = document.Default()
	}
	c := &Controller{
		registry: registry,
		clock:    clock.Real(),
		logger:   zap.NewNop(),
		status:   models.StatusIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// JoinRoom binds the controller to room. Joining the current room is a
// no-op unless the previous attempt ended disconnected. Joining another
// room leaves the current one first. The call returns without waiting for
// the connection; errors are construction failures only.
func (c *Controller) JoinRoom(room string, opts ...JoinOption) error {
	cfg := joinConfig{endpoint: c.endpoint}
	for _, opt := range opts {
		opt(&cfg)
	}
	if room == "" {
		return document.ErrEmptyRoom
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	same := c.doc != nil && c.room == room && c.status != models.StatusDisconnected
	c.mu.Unlock()
	if same {
		return nil
	}
	c.leaveLocked()

	doc, err := c.registry.GetOrCreate(room, cfg.endpoint)
	if err != nil {
		c.logger.Warn("join failed", zap.String("room", room), zap.Error(err))
		return err
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.room = room
	c.doc = doc
	c.status = models.StatusConnecting
	c.mu.Unlock()

	// Subscribe before reading the current status so no transition is lost.
	cancel := doc.OnStatus(func(status models.ConnectionStatus) { c.onStatus(gen, status) })

	c.mu.Lock()
	c.cancelStatus = cancel
	switch {
	case !doc.Online():
		c.status = models.StatusConnected
	case doc.Status() == models.StatusConnected:
		c.status = models.StatusConnected
	case doc.Status() == models.StatusDisconnected:
		c.status = models.StatusDisconnected
	}
	if c.status == models.StatusConnecting && c.timeout > 0 {
		c.timer = c.clock.AfterFunc(c.timeout, func() { c.onTimeout(gen) })
	}
	status := c.status
	c.mu.Unlock()

	c.logger.Info("joined room", zap.String("room", room), zap.String("status", string(status)))
	c.notify()
	return nil
}

// LeaveRoom unbinds the controller. The document stays alive for other
// sessions; its transport disconnects once nobody holds it.
func (c *Controller) LeaveRoom() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.leaveLocked()
}

// leaveLocked requires opMu.
func (c *Controller) leaveLocked() {
	c.mu.Lock()
	if c.doc == nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	room := c.room
	cancel := c.cancelStatus
	timer := c.timer
	c.room = ""
	c.doc = nil
	c.status = models.StatusIdle
	c.cancelStatus = nil
	c.timer = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if timer != nil {
		timer.Stop()
	}
	c.registry.Release(room)

	c.logger.Info("left room", zap.String("room", room))
	c.notify()
}

func (c *Controller) onStatus(gen uint64, status models.ConnectionStatus) {
	c.mu.Lock()
	if c.gen != gen || c.doc == nil || c.status == status || status == models.StatusIdle {
		c.mu.Unlock()
		return
	}
	c.status = status
	if status != models.StatusConnecting && c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	c.notify()
}

func (c *Controller) onTimeout(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.status != models.StatusConnecting {
		c.mu.Unlock()
		return
	}
	c.status = models.StatusDisconnected
	c.timer = nil
	room := c.room
	c.mu.Unlock()

	c.logger.Warn("connect timed out", zap.String("room", room), zap.Duration("timeout", c.timeout))
	c.notify()
}

// notify delivers the current state to subscribers. A transition made
// while another goroutine, or a subscriber further up the stack, is
// delivering is picked up by that delivery's next round.
func (c *Controller) notify() {
	c.mu.Lock()
	c.pending = true
	if c.emitting {
		c.mu.Unlock()
		return
	}
	c.emitting = true
	for c.pending {
		c.pending = false
		st := c.stateLocked()
		c.mu.Unlock()
		c.observers.Emit(st)
		c.mu.Lock()
	}
	c.emitting = false
	c.mu.Unlock()
}

func (c *Controller) stateLocked() State {
	return State{Room: c.room, Status: c.status, Document: c.doc}
}

// Subscribe registers fn for every state transition.
func (c *Controller) Subscribe(fn func(State)) (cancel func()) {
	return c.observers.Add(fn)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) Status() models.ConnectionStatus {
	return c.State().Status
}

func (c *Controller) Connected() bool {
	return c.State().Status == models.StatusConnected
}

func (c *Controller) IsLoading() bool {
	return c.State().Loading()
}

// RoomName returns the bound room, if any.
func (c *Controller) RoomName() (string, bool) {
	st := c.State()
	return st.Room, st.Document != nil
}

// Document returns the bound room's document, or nil when idle.
func (c *Controller) Document() *document.Document {
	return c.State().Document
}
