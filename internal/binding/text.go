package binding

import "peerprep/collab/internal/document"

// Text mirrors a text handle as a string.
type Text struct {
	base
	handle *document.Text
	render func(string)
	value  string
}

// NewText subscribes to h and renders its current value once. render may
// be nil. A key nobody has written yet is created by the first edit; when
// several participants may make that first edit at once, have one of them
// call Document.Ensure and let the rest sync before editing.
func NewText(h *document.Text, render func(string)) *Text {
	b := &Text{handle: h, render: render}
	b.start(h.Observe(b.refresh))
	b.refresh()
	return b
}

func (b *Text) refresh() {
	value, err := b.handle.Value()
	if err != nil {
		return
	}
	b.mu.Lock()
	b.value = value
	b.mu.Unlock()
	if b.render != nil && !b.closed() {
		b.render(value)
	}
}

func (b *Text) Value() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Update rewrites the text to s through the smallest splice.
func (b *Text) Update(s string) error {
	return b.handle.Update(s)
}
