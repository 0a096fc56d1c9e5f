package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerprep/collab/internal/document"
	"peerprep/collab/internal/models"
	"peerprep/collab/internal/store"
)

type inbox struct {
	mu     sync.Mutex
	frames []models.Frame
}

func (in *inbox) all() []models.Frame {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]models.Frame(nil), in.frames...)
}

func (in *inbox) ofType(t models.FrameType) []models.Frame {
	var out []models.Frame
	for _, f := range in.all() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func newTestClient(id string) (*Client, *inbox) {
	in := &inbox{}
	c := NewClient(id, nil)
	c.SetSendHook(func(f models.Frame) {
		in.mu.Lock()
		in.frames = append(in.frames, f)
		in.mu.Unlock()
	})
	return c, in
}

// encodedText returns a full document whose "code" text is s.
func encodedText(t *testing.T, s string) []byte {
	t.Helper()
	d, err := document.NewRegistry().GetOrCreate("scratch", "")
	require.NoError(t, err)
	txt, err := d.Text("code")
	require.NoError(t, err)
	require.NoError(t, txt.Set(s))
	return d.Save()
}

func textIn(t *testing.T, payload []byte) string {
	t.Helper()
	d, err := document.NewRegistry().GetOrCreate("scratch", "")
	require.NoError(t, err)
	require.NoError(t, d.Merge(payload))
	txt, err := d.Text("code")
	require.NoError(t, err)
	return txt.String()
}

type memStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	saves int
	err   error
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (s *memStore) Save(_ context.Context, room string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.data[room] = data
	return nil
}

func (s *memStore) Load(_ context.Context, room string) (store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return store.Snapshot{}, s.err
	}
	data, ok := s.data[room]
	if !ok {
		return store.Snapshot{}, store.ErrNotFound
	}
	return store.Snapshot{Room: room, Data: data}, nil
}

func (s *memStore) Delete(_ context.Context, room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, room)
	return nil
}

func TestJoinCatchesUpWithStateAndPresence(t *testing.T) {
	hub := NewHub()
	room, err := hub.GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)

	a, _ := newTestClient("alice")
	room.Join(a)
	room.Handle(a, models.Frame{Type: models.FrameUpdate, Payload: encodedText(t, "hello")})
	room.Handle(a, models.Frame{Type: models.FrameAwareness, Payload: []byte("alice-presence")})

	b, bIn := newTestClient("bob")
	room.Join(b)

	frames := bIn.all()
	require.Len(t, frames, 2)
	assert.Equal(t, models.FrameState, frames[0].Type)
	assert.Equal(t, ID, frames[0].From)
	assert.Equal(t, "bob", frames[0].To)
	assert.Equal(t, "hello", textIn(t, frames[0].Payload))

	assert.Equal(t, models.FrameAwareness, frames[1].Type)
	assert.Equal(t, "alice", frames[1].From)
	assert.Equal(t, []byte("alice-presence"), frames[1].Payload)
}

func TestHandleFansOutAndHonoursTo(t *testing.T) {
	room, err := NewHub().GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)
	a, aIn := newTestClient("a")
	b, bIn := newTestClient("b")
	c, cIn := newTestClient("c")
	for _, cl := range []*Client{a, b, c} {
		room.Join(cl)
	}

	room.Handle(a, models.Frame{Type: models.FrameUpdate, Payload: encodedText(t, "x")})
	assert.Empty(t, aIn.ofType(models.FrameUpdate))
	assert.Len(t, bIn.ofType(models.FrameUpdate), 1)
	assert.Len(t, cIn.ofType(models.FrameUpdate), 1)

	room.Handle(a, models.Frame{Type: models.FrameAwareness, To: "b", Payload: []byte("p")})
	assert.Len(t, bIn.ofType(models.FrameAwareness), 1)
	assert.Empty(t, cIn.ofType(models.FrameAwareness))
}

func TestHandleStampsSenderAndRoom(t *testing.T) {
	room, err := NewHub().GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)
	a, _ := newTestClient("a")
	b, bIn := newTestClient("b")
	room.Join(a)
	room.Join(b)

	room.Handle(a, models.Frame{Type: models.FrameAwareness, Room: "other", From: "mallory", Payload: []byte("p")})

	got := bIn.ofType(models.FrameAwareness)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].From)
	assert.Equal(t, "r1", got[0].Room)
}

func TestHandleDropsUnknownFrames(t *testing.T) {
	room, err := NewHub().GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)
	a, _ := newTestClient("a")
	b, bIn := newTestClient("b")
	room.Join(a)
	room.Join(b)
	before := len(bIn.all())

	room.Handle(a, models.Frame{Type: "shout", Payload: []byte("x")})
	assert.Len(t, bIn.all(), before)
	assert.False(t, room.Dirty())
}

func TestLeaveSendsByeAndForgetsPresence(t *testing.T) {
	room, err := NewHub().GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)
	a, _ := newTestClient("a")
	b, bIn := newTestClient("b")
	room.Join(a)
	room.Join(b)
	room.Handle(a, models.Frame{Type: models.FrameAwareness, Payload: []byte("p")})

	assert.Equal(t, 1, room.Leave(a))
	byes := bIn.ofType(models.FrameBye)
	require.Len(t, byes, 1)
	assert.Equal(t, "a", byes[0].From)
	assert.Empty(t, room.Summary().Peers)

	assert.Equal(t, 1, room.Leave(a))
}

func TestReconnectingClientKeepsPresence(t *testing.T) {
	room, err := NewHub().GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)
	old, _ := newTestClient("a")
	fresh, _ := newTestClient("a")
	b, bIn := newTestClient("b")
	room.Join(old)
	room.Join(b)
	room.Handle(old, models.Frame{Type: models.FrameAwareness, Payload: []byte("p")})
	room.Join(fresh)

	room.Leave(old)
	assert.Empty(t, bIn.ofType(models.FrameBye))
	assert.Equal(t, []string{"a"}, room.Summary().Peers)
}

func TestSlowConnectionDoesNotHoldUpTheRoom(t *testing.T) {
	room, err := NewHub().GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)
	slow := NewClient("slow", nil)
	room.Join(slow)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	slow.SetSendHook(func(models.Frame) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	sender, _ := newTestClient("sender")
	room.Join(sender)

	fanned := make(chan struct{})
	go func() {
		room.Handle(sender, models.Frame{Type: models.FrameAwareness, Payload: []byte("p")})
		close(fanned)
	}()
	<-entered

	joined := make(chan struct{})
	late, lateIn := newTestClient("late")
	go func() {
		room.Join(late)
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("join waited on a stuck connection")
	}
	assert.Equal(t, 3, room.GetClientCount())
	require.Len(t, lateIn.ofType(models.FrameState), 1)
	presence := lateIn.ofType(models.FrameAwareness)
	require.Len(t, presence, 1)
	assert.Equal(t, "sender", presence[0].From)

	close(release)
	<-fanned
}

func TestLastLeavePersistsAndNextJoinRestores(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	hub := NewHub(WithStore(s))

	room, err := hub.GetOrCreate(ctx, "r1")
	require.NoError(t, err)
	a, _ := newTestClient("a")
	room.Join(a)
	room.Handle(a, models.Frame{Type: models.FrameUpdate, Payload: encodedText(t, "kept")})
	require.True(t, room.Dirty())

	hub.Leave(ctx, room, a)
	_, ok := hub.Get("r1")
	assert.False(t, ok)
	assert.Equal(t, 1, s.saves)

	room, err = hub.GetOrCreate(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, room.Dirty())
	b, bIn := newTestClient("b")
	room.Join(b)
	state := bIn.ofType(models.FrameState)
	require.Len(t, state, 1)
	assert.Equal(t, "kept", textIn(t, state[0].Payload))
}

func TestUntouchedRoomIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	hub := NewHub(WithStore(s))
	room, err := hub.GetOrCreate(ctx, "r1")
	require.NoError(t, err)
	a, _ := newTestClient("a")
	room.Join(a)
	hub.Leave(ctx, room, a)

	assert.Zero(t, s.saves)
}

func TestPersistDirty(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	hub := NewHub(WithStore(s))
	r1, err := hub.GetOrCreate(ctx, "r1")
	require.NoError(t, err)
	_, err = hub.GetOrCreate(ctx, "r2")
	require.NoError(t, err)
	a, _ := newTestClient("a")
	r1.Join(a)
	r1.Handle(a, models.Frame{Type: models.FrameUpdate, Payload: encodedText(t, "v1")})

	n, err := hub.PersistDirty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = hub.PersistDirty(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	s.err = errors.New("disk full")
	r1.Handle(a, models.Frame{Type: models.FrameUpdate, Payload: encodedText(t, "v2")})
	n, err = hub.PersistDirty(ctx)
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.True(t, r1.Dirty())
}

func TestGetOrCreateFailsWhenStoreUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	hub := NewHub(WithStore(store.NewRedisStore(client, 0)))
	_, err = hub.GetOrCreate(context.Background(), "r1")
	assert.Error(t, err)
	assert.Empty(t, hub.Rooms())
}

func TestRedisBackedHubRestoresRoom(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	first := NewHub(WithStore(store.NewRedisStore(client, 0)))
	room, err := first.GetOrCreate(ctx, "r1")
	require.NoError(t, err)
	a, _ := newTestClient("a")
	room.Join(a)
	room.Handle(a, models.Frame{Type: models.FrameHello, Payload: encodedText(t, "from redis")})
	require.NoError(t, first.Close(ctx))

	second := NewHub(WithStore(store.NewRedisStore(client, 0)))
	data, ok := second.GetDoc("r1")
	assert.False(t, ok)
	_, err = second.GetOrCreate(ctx, "r1")
	require.NoError(t, err)
	data, ok = second.GetDoc("r1")
	require.True(t, ok)
	assert.Equal(t, "from redis", textIn(t, data))
}

func TestStatsAndSummaries(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	r1, err := hub.GetOrCreate(ctx, "b-room")
	require.NoError(t, err)
	r2, err := hub.GetOrCreate(ctx, "a-room")
	require.NoError(t, err)
	same, err := hub.GetOrCreate(ctx, "a-room")
	require.NoError(t, err)
	assert.Same(t, r2, same)

	for _, id := range []string{"x", "y"} {
		c, _ := newTestClient(id)
		r1.Join(c)
	}
	c, _ := newTestClient("z")
	r2.Join(c)

	assert.Equal(t, models.HubStats{Rooms: 2, Clients: 3}, hub.Stats())
	assert.Equal(t, []string{"a-room", "b-room"}, hub.Rooms())

	sums := hub.Summaries()
	require.Len(t, sums, 2)
	assert.Equal(t, "a-room", sums[0].Room)
	assert.Equal(t, 1, sums[0].Clients)
	assert.Positive(t, sums[0].Bytes)

	hub.Delete("a-room")
	assert.Equal(t, []string{"b-room"}, hub.Rooms())
}

func TestHubJoinAndLeave(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, aIn := newTestClient("a")
	b, _ := newTestClient("b")

	room, err := hub.Join(ctx, "r1", a)
	require.NoError(t, err)
	require.Len(t, aIn.ofType(models.FrameState), 1)
	again, err := hub.Join(ctx, "r1", b)
	require.NoError(t, err)
	assert.Same(t, room, again)

	hub.Leave(ctx, room, a)
	_, ok := hub.Get("r1")
	assert.True(t, ok)
	hub.Leave(ctx, room, b)
	_, ok = hub.Get("r1")
	assert.False(t, ok)

	_, err = hub.Join(ctx, "", a)
	assert.ErrorIs(t, err, document.ErrEmptyRoom)
}
