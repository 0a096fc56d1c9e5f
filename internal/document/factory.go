package document

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// Text returns the text handle for key, creating the handle on first use.
// The shared object itself is created by the first write, or by Ensure.
func (d *Document) Text(key string) (*Text, error) {
	h, err := d.handle(key, KindText, func() handle { return &Text{doc: d, key: key} })
	if err != nil {
		return nil, err
	}
	return h.(*Text), nil
}

// Map returns the map handle for key.
func (d *Document) Map(key string) (*Map, error) {
	h, err := d.handle(key, KindMap, func() handle { return &Map{doc: d, key: key} })
	if err != nil {
		return nil, err
	}
	return h.(*Map), nil
}

// Array returns the array handle for key.
func (d *Document) Array(key string) (*Array, error) {
	h, err := d.handle(key, KindArray, func() handle { return &Array{doc: d, key: key} })
	if err != nil {
		return nil, err
	}
	return h.(*Array), nil
}

// Ensure creates an empty shared object of kind under key unless the key is
// already set, and reports whether it did. Two replicas that create the same
// key independently keep only one of the two objects, along with the edits
// made to it, so a room's keys should be ensured by one participant and
// received by the others before they edit.
func (d *Document) Ensure(key string, kind Kind) (bool, error) {
	var value any
	switch kind {
	case KindText:
		value = automerge.NewText("")
	case KindMap:
		value = automerge.NewMap()
	case KindArray:
		value = automerge.NewList()
	default:
		return false, fmt.Errorf("ensure %q: cannot create a %s", key, kind)
	}
	return d.change(key, "ensure "+key, func(doc *automerge.Doc) (bool, error) {
		v, err := d.lookupLocked(key, kind)
		if err != nil || v != nil {
			return false, err
		}
		return true, doc.RootMap().Set(key, value)
	})
}

// Keys lists the root keys present in the replica.
func (d *Document) Keys() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sortedKeys(d.doc.RootMap())
}

func (d *Document) handle(key string, want Kind, build func() handle) (handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if h, ok := d.handles[key]; ok {
		if h.Kind() != want {
			return nil, &KindMismatchError{Key: key, Have: h.Kind(), Want: want}
		}
		return h, nil
	}
	if _, err := d.lookupLocked(key, want); err != nil {
		return nil, err
	}
	h := build()
	d.handles[key] = h
	return h, nil
}

// lookupLocked returns the value stored under key, or nil if the key is
// unset. A value of another kind is a KindMismatchError.
func (d *Document) lookupLocked(key string, want Kind) (*automerge.Value, error) {
	v, err := d.doc.RootMap().Get(key)
	if err != nil {
		return nil, err
	}
	have := kindOf(v)
	if have == KindUnknown {
		return nil, nil
	}
	if have != want {
		return nil, &KindMismatchError{Key: key, Have: have, Want: want}
	}
	return v, nil
}
