package transport

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peerprep/collab/internal/codec"
	"peerprep/collab/internal/models"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// WebSocketFactory dials the relay at endpoint/<room>?client=<id>. A failed
// or dropped connection is reported as disconnected; reconnecting is left to
// the caller.
func WebSocketFactory(logger *zap.Logger) Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(room string, endpoint *url.URL, clientID string, sink Sink) (Transport, error) {
		target := *endpoint
		base := strings.TrimRight(endpoint.EscapedPath(), "/")
		target.Path = strings.TrimRight(endpoint.Path, "/") + "/" + room
		target.RawPath = base + "/" + url.PathEscape(room)
		q := target.Query()
		q.Set("client", clientID)
		target.RawQuery = q.Encode()

		return &wsTransport{
			url:    target.String(),
			room:   room,
			sink:   sink,
			logger: logger.With(zap.String("room", room), zap.String("client", clientID)),
			dialer: websocket.DefaultDialer,
		}, nil
	}
}

type wsTransport struct {
	url    string
	room   string
	sink   Sink
	logger *zap.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes
	conn    *websocket.Conn
	cancel  context.CancelFunc
	gen     uint64
	active  bool

	statuses statusQueue
}

func (t *wsTransport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen && t.active
}

func (t *wsTransport) Connect() {
	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return
	}
	t.active = true
	t.gen++
	gen := t.gen
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	go t.run(ctx, gen)
}

func (t *wsTransport) run(ctx context.Context, gen uint64) {
	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := t.dialer.DialContext(dialCtx, t.url, nil)
	cancelDial()
	if err != nil {
		t.logger.Warn("ws dial failed", zap.String("url", t.url), zap.Error(err))
		t.finish(gen, nil)
		return
	}

	t.mu.Lock()
	if t.gen != gen || !t.active {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.mu.Unlock()

	t.logger.Info("ws connected", zap.String("url", t.url))
	// Disconnect may have run since the check above; the queue drops this
	// report if so.
	t.statuses.report(t.sink, models.StatusConnected, func() bool { return t.current(gen) })

	go t.pingLoop(ctx, conn)
	t.readLoop(conn)
	t.finish(gen, conn)
}

func (t *wsTransport) readLoop(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("ws read ended", zap.Error(err))
			}
			return
		}

		var frame models.Frame
		if err := codec.Unmarshal(data, &frame); err != nil {
			t.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		t.sink.HandleFrame(frame)
	}
}

// finish reports a disconnect unless a newer Connect or an explicit
// Disconnect has already taken over.
func (t *wsTransport) finish(gen uint64, conn *websocket.Conn) {
	t.mu.Lock()
	if t.gen != gen || !t.active {
		t.mu.Unlock()
		return
	}
	if t.conn == conn {
		t.conn = nil
	}
	t.active = false
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.statuses.report(t.sink, models.StatusDisconnected, nil)
}

func (t *wsTransport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			current := t.conn
			t.mu.Unlock()
			if current != conn {
				return
			}
			t.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *wsTransport) Disconnect() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.gen++
	conn := t.conn
	t.conn = nil
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave"))
		t.writeMu.Unlock()
		conn.Close()
	}
	t.statuses.report(t.sink, models.StatusDisconnected, nil)
}

func (t *wsTransport) Close() error {
	t.Disconnect()
	return nil
}

func (t *wsTransport) Send(frame models.Frame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := codec.Marshal(frame)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}
