package document

import (
	"github.com/automerge/automerge-go"

	"peerprep/collab/internal/observe"
)

// Array is a collaborative ordered list of plain Go values.
type Array struct {
	doc       *Document
	key       string
	observers observe.Set[struct{}]
}

func (a *Array) Key() string { return a.key }
func (a *Array) Kind() Kind  { return KindArray }

// Observe registers fn for local and remote changes.
func (a *Array) Observe(fn func()) (cancel func()) {
	return a.observers.Add(func(struct{}) { fn() })
}

func (a *Array) notify() { a.observers.Emit(struct{}{}) }

// Snapshot materializes the whole list. An unset list is empty, not nil.
func (a *Array) Snapshot() ([]any, error) {
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	v, err := a.doc.lookupLocked(a.key, KindArray)
	if err != nil {
		return []any{}, err
	}
	if v == nil {
		return []any{}, nil
	}
	return materializeList(v.List())
}

func (a *Array) Len() int {
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	v, err := a.doc.lookupLocked(a.key, KindArray)
	if err != nil || v == nil {
		return 0
	}
	return v.List().Len()
}

func (a *Array) Get(i int) (any, error) {
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	v, err := a.doc.lookupLocked(a.key, KindArray)
	if err != nil {
		return nil, err
	}
	n := 0
	if v != nil {
		n = v.List().Len()
	}
	if i < 0 || i >= n {
		return nil, outOfRange("get", i, n)
	}
	item, err := v.List().Get(i)
	if err != nil {
		return nil, err
	}
	return materialize(item)
}

func (a *Array) Append(values ...any) error {
	if len(values) == 0 {
		return nil
	}
	return a.edit("array append", func(l *automerge.List) (bool, error) {
		return true, l.Append(values...)
	})
}

func (a *Array) Insert(i int, values ...any) error {
	return a.edit("array insert", func(l *automerge.List) (bool, error) {
		if n := l.Len(); i < 0 || i > n {
			return false, outOfRange("insert", i, n)
		}
		if len(values) == 0 {
			return false, nil
		}
		return true, l.Insert(i, values...)
	})
}

func (a *Array) Delete(i int) error {
	return a.edit("array delete", func(l *automerge.List) (bool, error) {
		if n := l.Len(); i < 0 || i >= n {
			return false, outOfRange("delete", i, n)
		}
		return true, l.Delete(i)
	})
}

// Set overwrites the element at i in place.
func (a *Array) Set(i int, value any) error {
	return a.edit("array set", func(l *automerge.List) (bool, error) {
		if n := l.Len(); i < 0 || i >= n {
			return false, outOfRange("set", i, n)
		}
		return true, l.Set(i, value)
	})
}

// Replace makes the list equal to values in one commit.
func (a *Array) Replace(values []any) error {
	return a.edit("array replace", func(l *automerge.List) (bool, error) {
		changed := false
		for n := l.Len(); n > 0; n-- {
			if err := l.Delete(n - 1); err != nil {
				return changed, err
			}
			changed = true
		}
		if len(values) == 0 {
			return changed, nil
		}
		return true, l.Append(values...)
	})
}

// DeleteFirst removes the first element match accepts. match sees
// materialized values and runs with the document locked, so it must not
// call back into the document.
func (a *Array) DeleteFirst(match func(any) bool) (bool, error) {
	found := false
	err := a.edit("array delete", func(l *automerge.List) (bool, error) {
		i, err := findIndex(l, match)
		if err != nil || i < 0 {
			return false, err
		}
		found = true
		return true, l.Delete(i)
	})
	return found, err
}

// SetFirst overwrites the first element match accepts, with the same
// locking rules as DeleteFirst.
func (a *Array) SetFirst(match func(any) bool, value any) (bool, error) {
	found := false
	err := a.edit("array set", func(l *automerge.List) (bool, error) {
		i, err := findIndex(l, match)
		if err != nil || i < 0 {
			return false, err
		}
		found = true
		return true, l.Set(i, value)
	})
	return found, err
}

func findIndex(l *automerge.List, match func(any) bool) (int, error) {
	n := l.Len()
	for i := 0; i < n; i++ {
		item, err := l.Get(i)
		if err != nil {
			return -1, err
		}
		plain, err := materialize(item)
		if err != nil {
			return -1, err
		}
		if match(plain) {
			return i, nil
		}
	}
	return -1, nil
}

func (a *Array) edit(msg string, fn func(*automerge.List) (bool, error)) error {
	changed, err := a.doc.change(a.key, msg+" "+a.key, func(doc *automerge.Doc) (bool, error) {
		v, err := a.doc.lookupLocked(a.key, KindArray)
		if err != nil {
			return false, err
		}
		created := false
		if v == nil {
			if err := doc.RootMap().Set(a.key, automerge.NewList()); err != nil {
				return false, err
			}
			created = true
			if v, err = doc.RootMap().Get(a.key); err != nil {
				return true, err
			}
		}
		changed, err := fn(v.List())
		return changed || created, err
	})
	if changed {
		a.notify()
	}
	return err
}
