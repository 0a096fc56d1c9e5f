package binding

import (
	"github.com/google/uuid"

	"peerprep/collab/internal/document"
)

const (
	itemIDField    = "id"
	itemValueField = "value"
)

// Item is one array element with its stable id. Elements written by other
// clients without an id have an empty ID.
type Item struct {
	ID    string
	Value any
}

// Array mirrors an array handle. Every element is stored as
// {"id": ..., "value": ...} so it can be addressed by id as well as by
// position.
type Array struct {
	base
	handle *document.Array
	render func([]any)
	items  []Item
}

func NewArray(h *document.Array, render func([]any)) *Array {
	b := &Array{handle: h, render: render}
	b.start(h.Observe(b.refresh))
	b.refresh()
	return b
}

func (b *Array) refresh() {
	raw, err := b.handle.Snapshot()
	if err != nil {
		return
	}
	items := make([]Item, len(raw))
	for i, r := range raw {
		items[i] = unwrap(r)
	}
	b.mu.Lock()
	b.items = items
	b.mu.Unlock()
	if b.render != nil && !b.closed() {
		b.render(values(items))
	}
}

// Value returns the element values in order.
func (b *Array) Value() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return values(b.items)
}

// Items returns the elements with their ids.
func (b *Array) Items() []Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Item(nil), b.items...)
}

// Add appends item and returns its id.
func (b *Array) Add(item any) (string, error) {
	id := uuid.NewString()
	return id, b.handle.Append(wrap(id, item))
}

// Remove deletes the element at index.
func (b *Array) Remove(index int) error {
	return b.handle.Delete(index)
}

// UpdateAt replaces the value at index in place, keeping the element id.
func (b *Array) UpdateAt(index int, item any) error {
	current, err := b.handle.Get(index)
	if err != nil {
		return err
	}
	id := unwrap(current).ID
	if id == "" {
		id = uuid.NewString()
	}
	return b.handle.Set(index, wrap(id, item))
}

// SetAll replaces every element. Each gets a fresh id.
func (b *Array) SetAll(items []any) error {
	wrapped := make([]any, len(items))
	for i, item := range items {
		wrapped[i] = wrap(uuid.NewString(), item)
	}
	return b.handle.Replace(wrapped)
}

// RemoveByID deletes the element with id wherever it currently sits. It
// reports whether the element was found.
func (b *Array) RemoveByID(id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	return b.handle.DeleteFirst(hasID(id))
}

// UpdateByID replaces the value of the element with id.
func (b *Array) UpdateByID(id string, item any) (bool, error) {
	if id == "" {
		return false, nil
	}
	return b.handle.SetFirst(hasID(id), wrap(id, item))
}

func hasID(id string) func(any) bool {
	return func(v any) bool { return unwrap(v).ID == id }
}

func wrap(id string, value any) map[string]any {
	return map[string]any{itemIDField: id, itemValueField: value}
}

func unwrap(v any) Item {
	m, ok := v.(map[string]any)
	if !ok {
		return Item{Value: v}
	}
	id, ok := m[itemIDField].(string)
	if !ok {
		return Item{Value: v}
	}
	return Item{ID: id, Value: m[itemValueField]}
}

func values(items []Item) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it.Value
	}
	return out
}
