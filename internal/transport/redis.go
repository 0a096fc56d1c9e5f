package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peerprep/collab/internal/codec"
	"peerprep/collab/internal/models"
)

const redisOpTimeout = 5 * time.Second

// RoomChannel is the pub/sub channel a room's frames travel on.
func RoomChannel(room string) string {
	return "collab:room:" + room
}

// RedisFactory links replicas through Redis pub/sub. Every replica of a
// room subscribes to the room channel; direct frames are filtered on
// receipt.
func RedisFactory(logger *zap.Logger) Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(room string, endpoint *url.URL, clientID string, sink Sink) (Transport, error) {
		opts, err := redis.ParseURL(endpoint.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
		}
		return NewRedis(redis.NewClient(opts), room, clientID, sink, logger), nil
	}
}

// NewRedis builds a pub/sub transport on an existing client. Close closes
// the client.
func NewRedis(client *redis.Client, room, clientID string, sink Sink, logger *zap.Logger) Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisTransport{
		client:   client,
		channel:  RoomChannel(room),
		room:     room,
		clientID: clientID,
		sink:     sink,
		logger:   logger.With(zap.String("room", room), zap.String("client", clientID)),
	}
}

type redisTransport struct {
	client   *redis.Client
	channel  string
	room     string
	clientID string
	sink     Sink
	logger   *zap.Logger

	mu        sync.Mutex
	pubsub    *redis.PubSub
	cancel    context.CancelFunc
	gen       uint64
	active    bool
	connected bool

	statuses statusQueue
}

func (t *redisTransport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen && t.active
}

func (t *redisTransport) Connect() {
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

func (t *redisTransport) run(ctx context.Context, gen uint64) {
	pubsub := t.client.Subscribe(ctx, t.channel)

	recvCtx, cancelRecv := context.WithTimeout(ctx, redisOpTimeout)
	_, err := pubsub.Receive(recvCtx)
	cancelRecv()
	if err != nil {
		t.logger.Warn("redis subscribe failed", zap.String("channel", t.channel), zap.Error(err))
		_ = pubsub.Close()
		t.finish(gen)
		return
	}

	t.mu.Lock()
	if t.gen != gen || !t.active {
		t.mu.Unlock()
		_ = pubsub.Close()
		return
	}
	t.pubsub = pubsub
	t.connected = true
	t.mu.Unlock()

	t.logger.Info("subscribed to room channel", zap.String("channel", t.channel))
	// Disconnect may have run since the check above; the queue drops this
	// report if so.
	t.statuses.report(t.sink, models.StatusConnected, func() bool { return t.current(gen) })

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				t.finish(gen)
				return
			}
			var frame models.Frame
			if err := codec.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				t.logger.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			if frame.From == t.clientID {
				continue
			}
			if frame.To != "" && frame.To != t.clientID {
				continue
			}
			t.sink.HandleFrame(frame)
		}
	}
}

func (t *redisTransport) finish(gen uint64) {
	t.mu.Lock()
	if t.gen != gen || !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.connected = false
	pubsub := t.pubsub
	t.pubsub = nil
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
	}
	t.statuses.report(t.sink, models.StatusDisconnected, nil)
}

func (t *redisTransport) Disconnect() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	wasConnected := t.connected
	t.active = false
	t.connected = false
	t.gen++
	pubsub := t.pubsub
	t.pubsub = nil
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()

	if wasConnected {
		if err := t.publish(models.Frame{Type: models.FrameBye, Room: t.room, From: t.clientID}); err != nil {
			t.logger.Debug("bye not delivered", zap.Error(err))
		}
	}
	if pubsub != nil {
		_ = pubsub.Close()
	}
	t.statuses.report(t.sink, models.StatusDisconnected, nil)
}

func (t *redisTransport) Close() error {
	t.Disconnect()
	return t.client.Close()
}

func (t *redisTransport) Send(frame models.Frame) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return t.publish(frame)
}

func (t *redisTransport) publish(frame models.Frame) error {
	data, err := codec.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := t.client.Publish(ctx, t.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", t.channel, err)
	}
	return nil
}
