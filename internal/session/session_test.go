package session

import (
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"peerprep/collab/internal/clock"
	"peerprep/collab/internal/document"
	"peerprep/collab/internal/models"
	"peerprep/collab/internal/transport"
)

// manualNet hands out transports whose outcome the test decides.
type manualNet struct {
	mu    sync.Mutex
	sinks map[string]transport.Sink
}

func (n *manualNet) factory(room string, _ *url.URL, _ string, sink transport.Sink) (transport.Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sinks == nil {
		n.sinks = make(map[string]transport.Sink)
	}
	n.sinks[room] = sink
	return manualTransport{}, nil
}

func (n *manualNet) resolve(room string, status models.ConnectionStatus) {
	n.mu.Lock()
	sink := n.sinks[room]
	n.mu.Unlock()
	sink.HandleStatus(status)
}

type manualTransport struct{}

func (manualTransport) Connect()                {}
func (manualTransport) Disconnect()             {}
func (manualTransport) Close() error            { return nil }
func (manualTransport) Send(models.Frame) error { return nil }

func newRegistry(t *testing.T, schemes map[string]transport.Factory, opts ...document.Option) *document.Registry {
	t.Helper()
	res := transport.NewResolver()
	for scheme, f := range schemes {
		res.Register(scheme, f)
	}
	reg := document.NewRegistry(append([]document.Option{document.WithResolver(res)}, opts...)...)
	t.Cleanup(reg.Reset)
	return reg
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) since(n int) []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states[n:]...)
}

func (l *stateLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}

func TestJoinWithoutTransportConnectsImmediately(t *testing.T) {
	ctrl := New(newRegistry(t, nil))

	require.NoError(t, ctrl.JoinRoom("solo"))

	assert.True(t, ctrl.Connected())
	assert.False(t, ctrl.IsLoading())
	room, ok := ctrl.RoomName()
	assert.True(t, ok)
	assert.Equal(t, "solo", room)
	require.NotNil(t, ctrl.Document())
}

func TestIdleControllerHasNoRoom(t *testing.T) {
	ctrl := New(newRegistry(t, nil))

	_, ok := ctrl.RoomName()
	assert.False(t, ok)
	assert.Equal(t, models.StatusIdle, ctrl.Status())
	assert.Nil(t, ctrl.Document())
	ctrl.LeaveRoom()
}

func TestSwitchingRoomsDiscardsStaleEvents(t *testing.T) {
	net := &manualNet{}
	ctrl := New(newRegistry(t, map[string]transport.Factory{"manual": net.factory}),
		WithEndpoint("manual://relay"))
	log := &stateLog{}
	ctrl.Subscribe(log.record)

	require.NoError(t, ctrl.JoinRoom("A"))
	assert.True(t, ctrl.IsLoading())

	require.NoError(t, ctrl.JoinRoom("B"))
	mark := log.len()

	net.resolve("A", models.StatusConnected)
	net.resolve("A", models.StatusDisconnected)
	assert.Equal(t, models.StatusConnecting, ctrl.Status())
	assert.Empty(t, log.since(mark), "events from A must not reach the session")

	net.resolve("B", models.StatusConnected)

	after := log.since(mark)
	require.Len(t, after, 1)
	assert.Equal(t, "B", after[0].Room)
	assert.Equal(t, models.StatusConnected, after[0].Status)
	room, _ := ctrl.RoomName()
	assert.Equal(t, "B", room)
}

func TestJoinSameRoomIsNoop(t *testing.T) {
	reg := newRegistry(t, nil)
	ctrl := New(reg)
	log := &stateLog{}
	ctrl.Subscribe(log.record)

	require.NoError(t, ctrl.JoinRoom("room"))
	require.NoError(t, ctrl.JoinRoom("room"))

	assert.Equal(t, 1, log.len())
	assert.Equal(t, 1, ctrl.Document().Refs())
}

func TestConnectionFailureSurfacesAsDisconnected(t *testing.T) {
	bus := transport.NewBus()
	bus.SetRefuse(true)
	ctrl := New(newRegistry(t, map[string]transport.Factory{"memory": bus.Factory()}))

	require.NoError(t, ctrl.JoinRoom("room", WithJoinEndpoint("memory://bus")))
	assert.Equal(t, models.StatusDisconnected, ctrl.Status())
	assert.False(t, ctrl.IsLoading())

	bus.SetRefuse(false)
	require.NoError(t, ctrl.JoinRoom("room"))
	assert.True(t, ctrl.Connected())
}

func TestConnectTimeout(t *testing.T) {
	net := &manualNet{}
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctrl := New(newRegistry(t, map[string]transport.Factory{"manual": net.factory}),
		WithEndpoint("manual://relay"), WithConnectTimeout(5*time.Second), WithClock(fake))

	require.NoError(t, ctrl.JoinRoom("room"))
	fake.Advance(4 * time.Second)
	assert.True(t, ctrl.IsLoading())

	fake.Advance(time.Second)
	assert.Equal(t, models.StatusDisconnected, ctrl.Status())

	net.resolve("room", models.StatusConnected)
	assert.True(t, ctrl.Connected(), "a late connection still counts")
}

func TestConnectTimeoutCancelledByConnection(t *testing.T) {
	net := &manualNet{}
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctrl := New(newRegistry(t, map[string]transport.Factory{"manual": net.factory}),
		WithEndpoint("manual://relay"), WithConnectTimeout(5*time.Second), WithClock(fake))

	require.NoError(t, ctrl.JoinRoom("room"))
	net.resolve("room", models.StatusConnected)

	assert.Equal(t, 0, fake.Pending())
	fake.Advance(time.Minute)
	assert.True(t, ctrl.Connected())
}

func TestConnectDuringJoinNotificationEndsConnected(t *testing.T) {
	net := &manualNet{}
	core, _ := observer.New(zapcore.InfoLevel)
	logger := zap.New(core, zap.Hooks(func(e zapcore.Entry) error {
		if e.Message == "joined room" {
			net.resolve("room", models.StatusConnected)
		}
		return nil
	}))
	ctrl := New(newRegistry(t, map[string]transport.Factory{"manual": net.factory}),
		WithEndpoint("manual://relay"), WithLogger(logger))
	log := &stateLog{}
	ctrl.Subscribe(log.record)

	require.NoError(t, ctrl.JoinRoom("room"))

	assert.Equal(t, models.StatusConnected, ctrl.Status())
	states := log.since(0)
	require.NotEmpty(t, states)
	assert.Equal(t, models.StatusConnected, states[len(states)-1].Status)
}

func TestLeaveRoomPreservesDocumentForOthers(t *testing.T) {
	bus := transport.NewBus()
	reg := newRegistry(t, map[string]transport.Factory{"memory": bus.Factory()})
	s1 := New(reg, WithEndpoint("memory://bus"))
	s2 := New(reg, WithEndpoint("memory://bus"))

	require.NoError(t, s1.JoinRoom("room2"))
	require.NoError(t, s2.JoinRoom("room2"))
	doc := s2.Document()
	text, err := doc.Text("code")
	require.NoError(t, err)
	require.NoError(t, text.Set("shared"))
	doc.SetLocalState([]byte("s2 presence"))

	s1.LeaveRoom()

	assert.Equal(t, models.StatusIdle, s1.Status())
	assert.True(t, s2.Connected())
	assert.Equal(t, 1, doc.Refs())
	assert.Equal(t, "shared", text.String())
	assert.Equal(t, []byte("s2 presence"), doc.LocalState())
	assert.Len(t, bus.Members("room2"), 1)
}

func TestLeaveRoomAcrossProcessesKeepsPeerConnected(t *testing.T) {
	bus := transport.NewBus()
	s1 := New(newRegistry(t, map[string]transport.Factory{"memory": bus.Factory()}), WithEndpoint("memory://bus"))
	s2 := New(newRegistry(t, map[string]transport.Factory{"memory": bus.Factory()}), WithEndpoint("memory://bus"))

	require.NoError(t, s1.JoinRoom("room2"))
	require.NoError(t, s2.JoinRoom("room2"))
	s2.Document().SetLocalState([]byte("still here"))

	s1.LeaveRoom()

	assert.True(t, s2.Connected())
	states := s2.Document().PeerStates()
	require.Len(t, states, 1)
	assert.Equal(t, s2.Document().ClientID(), states[0].ClientID)
}

func TestTwoPartySyncLateJoiner(t *testing.T) {
	bus := transport.NewBus()
	s1 := New(newRegistry(t, map[string]transport.Factory{"memory": bus.Factory()}), WithEndpoint("memory://bus"))
	s2 := New(newRegistry(t, map[string]transport.Factory{"memory": bus.Factory()}), WithEndpoint("memory://bus"))

	require.NoError(t, s1.JoinRoom("doc1"))
	text, err := s1.Document().Text("code")
	require.NoError(t, err)
	require.NoError(t, text.Update("hello"))

	require.NoError(t, s2.JoinRoom("doc1"))
	theirs, err := s2.Document().Text("code")
	require.NoError(t, err)
	assert.Equal(t, "hello", theirs.String())
}

func TestJoinConstructionErrors(t *testing.T) {
	ctrl := New(newRegistry(t, nil))

	assert.ErrorIs(t, ctrl.JoinRoom(""), document.ErrEmptyRoom)
	assert.ErrorIs(t, ctrl.JoinRoom("room", WithJoinEndpoint("::not a url")), transport.ErrInvalidEndpoint)
	assert.ErrorIs(t, ctrl.JoinRoom("room", WithJoinEndpoint("gopher://x")), transport.ErrUnsupportedScheme)

	assert.Equal(t, models.StatusIdle, ctrl.Status())
	_, ok := ctrl.RoomName()
	assert.False(t, ok)
}

func TestFailedJoinLeavesPreviousRoom(t *testing.T) {
	ctrl := New(newRegistry(t, nil))
	require.NoError(t, ctrl.JoinRoom("first"))

	err := ctrl.JoinRoom("second", WithJoinEndpoint("gopher://x"))

	require.Error(t, err)
	assert.Equal(t, models.StatusIdle, ctrl.Status())
}

func TestSubscribeCancel(t *testing.T) {
	ctrl := New(newRegistry(t, nil))
	calls := 0
	cancel := ctrl.Subscribe(func(State) { calls++ })

	require.NoError(t, ctrl.JoinRoom("a"))
	cancel()
	ctrl.LeaveRoom()

	assert.Equal(t, 1, calls)
}
