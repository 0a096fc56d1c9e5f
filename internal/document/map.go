package document

import (
	"github.com/automerge/automerge-go"

	"peerprep/collab/internal/observe"
)

// Map is a collaborative string-keyed map. Values are plain Go values;
// nested maps and slices are stored as nested shared objects.
type Map struct {
	doc       *Document
	key       string
	observers observe.Set[struct{}]
}

func (m *Map) Key() string { return m.key }
func (m *Map) Kind() Kind  { return KindMap }

// Observe registers fn for local and remote changes.
func (m *Map) Observe(fn func()) (cancel func()) {
	return m.observers.Add(func(struct{}) { fn() })
}

func (m *Map) notify() { m.observers.Emit(struct{}{}) }

// Snapshot materializes the whole map. An unset map is empty, not nil.
func (m *Map) Snapshot() (map[string]any, error) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	v, err := m.doc.lookupLocked(m.key, KindMap)
	if err != nil {
		return map[string]any{}, err
	}
	if v == nil {
		return map[string]any{}, nil
	}
	return materializeMap(v.Map())
}

// Get returns the value under field and whether it is set.
func (m *Map) Get(field string) (any, bool, error) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	v, err := m.doc.lookupLocked(m.key, KindMap)
	if err != nil || v == nil {
		return nil, false, err
	}
	item, err := v.Map().Get(field)
	if err != nil {
		return nil, false, err
	}
	if item.Kind() == automerge.KindVoid {
		return nil, false, nil
	}
	plain, err := materialize(item)
	return plain, err == nil, err
}

// Keys returns the set fields in sorted order.
func (m *Map) Keys() ([]string, error) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	v, err := m.doc.lookupLocked(m.key, KindMap)
	if err != nil || v == nil {
		return nil, err
	}
	return sortedKeys(v.Map())
}

func (m *Map) Set(field string, value any) error {
	return m.edit("map set", func(am *automerge.Map) (bool, error) {
		return true, am.Set(field, value)
	})
}

func (m *Map) Delete(field string) error {
	return m.edit("map delete", func(am *automerge.Map) (bool, error) {
		item, err := am.Get(field)
		if err != nil {
			return false, err
		}
		if item.Kind() == automerge.KindVoid {
			return false, nil
		}
		return true, am.Delete(field)
	})
}

// Update applies a partial change in one commit. A nil value deletes the
// field.
func (m *Map) Update(partial map[string]any) error {
	if len(partial) == 0 {
		return nil
	}
	return m.edit("map update", func(am *automerge.Map) (bool, error) {
		return applyFields(am, partial, false)
	})
}

// Replace makes the map equal to full in one commit: fields missing from
// full are deleted, the rest are set. Peers never observe an empty
// intermediate map.
func (m *Map) Replace(full map[string]any) error {
	return m.edit("map replace", func(am *automerge.Map) (bool, error) {
		return applyFields(am, full, true)
	})
}

func applyFields(am *automerge.Map, fields map[string]any, clear bool) (bool, error) {
	changed := false
	if clear {
		keys, err := am.Keys()
		if err != nil {
			return false, err
		}
		for _, k := range keys {
			if v, ok := fields[k]; ok && v != nil {
				continue
			}
			if err := am.Delete(k); err != nil {
				return changed, err
			}
			changed = true
		}
	}
	for k, v := range fields {
		if v == nil {
			if clear {
				continue
			}
			item, err := am.Get(k)
			if err != nil {
				return changed, err
			}
			if item.Kind() == automerge.KindVoid {
				continue
			}
			if err := am.Delete(k); err != nil {
				return changed, err
			}
			changed = true
			continue
		}
		if err := am.Set(k, v); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

func (m *Map) edit(msg string, fn func(*automerge.Map) (bool, error)) error {
	changed, err := m.doc.change(m.key, msg+" "+m.key, func(doc *automerge.Doc) (bool, error) {
		v, err := m.doc.lookupLocked(m.key, KindMap)
		if err != nil {
			return false, err
		}
		created := false
		if v == nil {
			if err := doc.RootMap().Set(m.key, automerge.NewMap()); err != nil {
				return false, err
			}
			created = true
			if v, err = doc.RootMap().Get(m.key); err != nil {
				return true, err
			}
		}
		changed, err := fn(v.Map())
		return changed || created, err
	})
	if changed {
		m.notify()
	}
	return err
}
