package document

import (
	"testing"

	"github.com/stretchr/testify/require"

	"peerprep/collab/internal/transport"
)

const memoryEndpoint = "memory://bus"

func newBusRegistry(bus *transport.Bus, opts ...Option) *Registry {
	res := transport.NewResolver()
	res.Register("memory", bus.Factory())
	return NewRegistry(append([]Option{WithResolver(res)}, opts...)...)
}

// joinBus opens room on a fresh registry attached to bus, standing in for a
// separate process.
func joinBus(t *testing.T, bus *transport.Bus, room string) (*Registry, *Document) {
	t.Helper()
	reg := newBusRegistry(bus)
	t.Cleanup(reg.Reset)
	doc, err := reg.GetOrCreate(room, memoryEndpoint)
	require.NoError(t, err)
	return reg, doc
}

func offlineDoc(t *testing.T, room string) *Document {
	t.Helper()
	reg := NewRegistry()
	t.Cleanup(reg.Reset)
	doc, err := reg.GetOrCreate(room, "")
	require.NoError(t, err)
	return doc
}

func textOf(t *testing.T, d *Document, key string) *Text {
	t.Helper()
	txt, err := d.Text(key)
	require.NoError(t, err)
	return txt
}
