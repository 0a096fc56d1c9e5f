package document

import (
	"github.com/automerge/automerge-go"

	"peerprep/collab/internal/observe"
)

// Text is a collaborative string. Positions count Unicode code points.
type Text struct {
	doc       *Document
	key       string
	observers observe.Set[struct{}]
}

func (t *Text) Key() string { return t.key }
func (t *Text) Kind() Kind  { return KindText }

// Observe registers fn for local and remote changes.
func (t *Text) Observe(fn func()) (cancel func()) {
	return t.observers.Add(func(struct{}) { fn() })
}

func (t *Text) notify() { t.observers.Emit(struct{}{}) }

// String returns the current text.
func (t *Text) String() string {
	s, _ := t.Value()
	return s
}

// Value returns the current text, surfacing a kind conflict introduced by a
// peer.
func (t *Text) Value() (string, error) {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	v, err := t.doc.lookupLocked(t.key, KindText)
	if err != nil || v == nil {
		return "", err
	}
	return v.Text().Get()
}

func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	v, err := t.doc.lookupLocked(t.key, KindText)
	if err != nil || v == nil {
		return 0
	}
	return v.Text().Len()
}

func (t *Text) Insert(pos int, s string) error {
	return t.Splice(pos, 0, s)
}

func (t *Text) Delete(pos, n int) error {
	return t.Splice(pos, n, "")
}

// Splice deletes del code points at pos and inserts s there.
func (t *Text) Splice(pos, del int, s string) error {
	return t.edit("text splice", func(text *automerge.Text) (bool, error) {
		n := text.Len()
		if pos < 0 || pos > n {
			return false, outOfRange("splice", pos, n)
		}
		if del < 0 || pos+del > n {
			return false, outOfRange("splice delete", pos+del, n)
		}
		if del == 0 && s == "" {
			return false, nil
		}
		return true, text.Splice(pos, del, s)
	})
}

// Set replaces the whole text: delete everything, insert s.
func (t *Text) Set(s string) error {
	return t.edit("text set", func(text *automerge.Text) (bool, error) {
		n := text.Len()
		if n == 0 && s == "" {
			return false, nil
		}
		return true, text.Splice(0, n, s)
	})
}

// Update rewrites the text to s with the smallest single splice, so
// concurrent edits outside the changed range survive the merge.
func (t *Text) Update(s string) error {
	return t.edit("text update", func(text *automerge.Text) (bool, error) {
		current, err := text.Get()
		if err != nil {
			return false, err
		}
		pos, del, ins := diffSplice(current, s)
		if del == 0 && ins == "" {
			return false, nil
		}
		return true, text.Splice(pos, del, ins)
	})
}

func (t *Text) edit(msg string, fn func(*automerge.Text) (bool, error)) error {
	changed, err := t.doc.change(t.key, msg+" "+t.key, func(doc *automerge.Doc) (bool, error) {
		v, err := t.doc.lookupLocked(t.key, KindText)
		if err != nil {
			return false, err
		}
		created := false
		if v == nil {
			if err := doc.RootMap().Set(t.key, automerge.NewText("")); err != nil {
				return false, err
			}
			created = true
			if v, err = doc.RootMap().Get(t.key); err != nil {
				return true, err
			}
		}
		changed, err := fn(v.Text())
		return changed || created, err
	})
	if changed {
		t.notify()
	}
	return err
}
