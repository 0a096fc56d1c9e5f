package document

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerprep/collab/internal/clock"
	"peerprep/collab/internal/transport"
)

// Registry maps room names to documents. A process normally uses Default();
// tests build their own.
type Registry struct {
	mu   sync.Mutex
	docs map[string]*Document

	resolver *transport.Resolver
	endpoint string
	idleTTL  time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	newID    func() string
}

type Option func(*Registry)

// WithResolver sets the scheme-to-transport table.
func WithResolver(r *transport.Resolver) Option {
	return func(reg *Registry) { reg.resolver = r }
}

// WithDefaultEndpoint sets the endpoint used when GetOrCreate is given none.
func WithDefaultEndpoint(endpoint string) Option {
	return func(reg *Registry) { reg.endpoint = endpoint }
}

// WithIdleTTL evicts and closes documents that stay unreferenced for d.
// Zero keeps them for the registry's lifetime.
func WithIdleTTL(d time.Duration) Option {
	return func(reg *Registry) { reg.idleTTL = d }
}

func WithClock(c clock.Clock) Option {
	return func(reg *Registry) { reg.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(reg *Registry) { reg.logger = l }
}

// WithClientIDs overrides client id generation.
func WithClientIDs(next func() string) Option {
	return func(reg *Registry) { reg.newID = next }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		docs:   make(map[string]*Document),
		clock:  clock.Real(),
		logger: zap.NewNop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.resolver == nil {
		r.resolver = transport.DefaultResolver(r.logger)
	}
	return r
}

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// Default returns the process-wide registry, creating it on first use.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry()
	}
	return defaultRegistry
}

// SetDefault replaces the process-wide registry and returns the previous
// one.
func SetDefault(r *Registry) *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultRegistry
	defaultRegistry = r
	return prev
}

// GetOrCreate returns the room's document, creating it with a transport
// for endpoint (or the registry default) if needed. The first endpoint
// wins. Every call takes a reference and starts connecting if the document
// is idle or disconnected. Connection failures are only reported through
// status events.
func (r *Registry) GetOrCreate(room, endpoint string) (*Document, error) {
	if room == "" {
		return nil, ErrEmptyRoom
	}

	r.mu.Lock()
	d, ok := r.docs[room]
	if !ok {
		if endpoint == "" {
			endpoint = r.endpoint
		}
		d = newDocument(room, r.newID(), r.clock, r.logger)
		t, err := r.resolver.New(room, endpoint, d.clientID, d)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("create document for room %q: %w", room, err)
		}
		d.transport = t
		d.endpoint = endpoint
		r.docs[room] = d
		r.logger.Info("document created",
			zap.String("room", room), zap.String("endpoint", endpoint), zap.String("client", d.clientID))
	}
	if d.evict != nil {
		d.evict.Stop()
		d.evict = nil
	}
	d.mu.Lock()
	d.refs++
	d.mu.Unlock()
	r.mu.Unlock()

	d.connect()
	return d, nil
}

// Release drops one reference. The last release disconnects the transport
// but keeps the document and its state.
func (r *Registry) Release(room string) {
	r.mu.Lock()
	d, ok := r.docs[room]
	if !ok {
		r.mu.Unlock()
		return
	}
	d.mu.Lock()
	if d.refs == 0 {
		d.mu.Unlock()
		r.mu.Unlock()
		return
	}
	d.refs--
	last := d.refs == 0
	d.mu.Unlock()
	if last && r.idleTTL > 0 {
		d.evict = r.clock.AfterFunc(r.idleTTL, func() { r.evictIdle(room, d) })
	}
	r.mu.Unlock()

	if last {
		r.logger.Debug("document released", zap.String("room", room))
		d.disconnect()
	}
}

func (r *Registry) evictIdle(room string, d *Document) {
	r.mu.Lock()
	if r.docs[room] != d || d.Refs() > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.docs, room)
	d.evict = nil
	r.mu.Unlock()

	r.logger.Info("evicting idle document", zap.String("room", room))
	d.Close()
}

// Get returns the room's document without taking a reference.
func (r *Registry) Get(room string) (*Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[room]
	return d, ok
}

// Rooms lists the rooms with a live document.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]string, 0, len(r.docs))
	for room := range r.docs {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Remove closes and forgets one document regardless of its references.
func (r *Registry) Remove(room string) {
	r.mu.Lock()
	d, ok := r.docs[room]
	if ok {
		delete(r.docs, room)
		if d.evict != nil {
			d.evict.Stop()
			d.evict = nil
		}
	}
	r.mu.Unlock()
	if ok {
		d.Close()
	}
}

// Reset closes and forgets every document.
func (r *Registry) Reset() {
	r.mu.Lock()
	docs := r.docs
	r.docs = make(map[string]*Document)
	for _, d := range docs {
		if d.evict != nil {
			d.evict.Stop()
			d.evict = nil
		}
	}
	r.mu.Unlock()

	for _, d := range docs {
		d.Close()
	}
}
