// Package transport moves frames between replicas of a room document.
// Transports are black boxes to the document: they connect, disconnect,
// send, and report status changes and inbound frames to a Sink.
package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"peerprep/collab/internal/models"
)

var (
	ErrUnsupportedScheme = errors.New("transport: unsupported endpoint scheme")
	ErrNotConnected      = errors.New("transport: not connected")
	ErrInvalidEndpoint   = errors.New("transport: invalid endpoint")
)

// Sink receives a transport's events. Calls arrive on the transport's own
// goroutine, or on the caller's goroutine for synchronous transports.
type Sink interface {
	HandleStatus(status models.ConnectionStatus)
	HandleFrame(frame models.Frame)
}

// Transport is one replica's link to its room.
type Transport interface {
	// Connect starts a connection attempt and returns without waiting for
	// it. The outcome is reported through Sink.HandleStatus.
	Connect()
	// Disconnect drops the link. The transport may be connected again.
	Disconnect()
	// Close disconnects and releases every resource.
	Close() error
	// Send delivers a frame to the room. It fails with ErrNotConnected
	// while the link is down.
	Send(frame models.Frame) error
}

// Factory builds a transport for one room.
type Factory func(room string, endpoint *url.URL, clientID string, sink Sink) (Transport, error)

// Resolver maps endpoint schemes to factories.
type Resolver struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewResolver() *Resolver {
	return &Resolver{factories: make(map[string]Factory)}
}

// DefaultResolver knows the ws, wss, redis and rediss schemes.
func DefaultResolver(logger *zap.Logger) *Resolver {
	r := NewResolver()
	ws := WebSocketFactory(logger)
	r.Register("ws", ws)
	r.Register("wss", ws)
	rd := RedisFactory(logger)
	r.Register("redis", rd)
	r.Register("rediss", rd)
	return r
}

// Register installs f for scheme, replacing any previous factory.
func (r *Resolver) Register(scheme string, f Factory) {
	r.mu.Lock()
	r.factories[strings.ToLower(scheme)] = f
	r.mu.Unlock()
}

// New builds a transport for room from a raw endpoint. An empty endpoint
// means offline and yields a nil transport.
func (r *Resolver) New(room, endpoint, clientID string, sink Sink) (Transport, error) {
	if endpoint == "" {
		return nil, nil
	}
	u, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	f, ok := r.factories[u.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return f(room, u, clientID, sink)
}

// ParseEndpoint validates a transport endpoint URL.
func ParseEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: missing scheme in %q", ErrInvalidEndpoint, raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "memory" && u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidEndpoint, raw)
	}
	return u, nil
}
