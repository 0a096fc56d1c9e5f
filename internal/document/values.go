package document

import (
	"sort"

	"github.com/automerge/automerge-go"
)

// materialize converts an automerge value into plain Go values: maps become
// map[string]any, lists []any, text string. Integers come back as int64.
func materialize(v *automerge.Value) (any, error) {
	switch v.Kind() {
	case automerge.KindVoid, automerge.KindNull:
		return nil, nil
	case automerge.KindMap:
		return materializeMap(v.Map())
	case automerge.KindList:
		return materializeList(v.List())
	case automerge.KindText:
		return v.Text().Get()
	default:
		return v.Interface(), nil
	}
}

func materializeMap(m *automerge.Map) (map[string]any, error) {
	keys, err := m.Keys()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		item, err := m.Get(k)
		if err != nil {
			return nil, err
		}
		if out[k], err = materialize(item); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func materializeList(l *automerge.List) ([]any, error) {
	n := l.Len()
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		item, err := l.Get(i)
		if err != nil {
			return nil, err
		}
		plain, err := materialize(item)
		if err != nil {
			return nil, err
		}
		out = append(out, plain)
	}
	return out, nil
}

func sortedKeys(m *automerge.Map) ([]string, error) {
	keys, err := m.Keys()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
