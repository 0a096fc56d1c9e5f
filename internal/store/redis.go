package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldSnapshot  = "snapshot"
	fieldUpdatedAt = "updatedAt"
)

// RedisStore keeps snapshots in the room hash alongside other room
// metadata. The hash expires ttl after the last save.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, now: time.Now}
}

func roomKey(room string) string { return "room:" + room }

func (s *RedisStore) Save(ctx context.Context, room string, data []byte) error {
	key := roomKey(room)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fieldSnapshot, data, fieldUpdatedAt, s.now().UTC().Format(time.RFC3339Nano))
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save snapshot for room %s: %w", room, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, room string) (Snapshot, error) {
	fields, err := s.rdb.HGetAll(ctx, roomKey(room)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot for room %s: %w", room, err)
	}
	data, ok := fields[fieldSnapshot]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	snap := Snapshot{Room: room, Data: []byte(data)}
	if ts, err := time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt]); err == nil {
		snap.UpdatedAt = ts
	}
	return snap, nil
}

// Delete removes the snapshot fields and leaves other room metadata alone.
func (s *RedisStore) Delete(ctx context.Context, room string) error {
	if err := s.rdb.HDel(ctx, roomKey(room), fieldSnapshot, fieldUpdatedAt).Err(); err != nil {
		return fmt.Errorf("delete snapshot for room %s: %w", room, err)
	}
	return nil
}
