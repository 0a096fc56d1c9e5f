package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"peerprep/collab/internal/codec"
	"peerprep/collab/internal/models"
)

const writeWait = 10 * time.Second

// Client is one WebSocket connection attached to a room. Several Clients may
// share an ID while a participant reconnects.
type Client struct {
	ID   string
	Conn *websocket.Conn
	mu   sync.Mutex
	hook func(models.Frame)
}

func NewClient(id string, conn *websocket.Conn) *Client { return &Client{ID: id, Conn: conn} }

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func(models.Frame)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Send writes one binary CBOR frame.
func (c *Client) Send(frame models.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(frame)
}

func (c *Client) sendLocked(frame models.Frame) error {
	if c.hook != nil {
		c.hook(frame)
		return nil
	}
	if c.Conn == nil {
		return nil
	}
	data, err := codec.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(websocket.BinaryMessage, data)
}
