package binding

import (
	"maps"

	"peerprep/collab/internal/document"
)

// Map mirrors a map handle as a map[string]any.
type Map struct {
	base
	handle *document.Map
	render func(map[string]any)
	value  map[string]any
}

func NewMap(h *document.Map, render func(map[string]any)) *Map {
	b := &Map{handle: h, render: render, value: map[string]any{}}
	b.start(h.Observe(b.refresh))
	b.refresh()
	return b
}

func (b *Map) refresh() {
	value, err := b.handle.Snapshot()
	if err != nil {
		return
	}
	b.mu.Lock()
	b.value = value
	b.mu.Unlock()
	if b.render != nil && !b.closed() {
		b.render(maps.Clone(value))
	}
}

// Value returns a copy of the current snapshot.
func (b *Map) Value() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.value)
}

// Update sets the given fields and deletes those mapped to nil. Other
// fields are untouched.
func (b *Map) Update(partial map[string]any) error {
	return b.handle.Update(partial)
}

// Set replaces the whole map in one change.
func (b *Map) Set(full map[string]any) error {
	return b.handle.Replace(full)
}
