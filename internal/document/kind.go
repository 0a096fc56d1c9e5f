package document

import "github.com/automerge/automerge-go"

// Kind tags a shared type handle.
type Kind int

const (
	KindUnknown Kind = iota
	KindText
	KindMap
	KindArray
	// KindValue is a scalar stored directly under a root key.
	KindValue
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindMap:
		return "map"
	case KindArray:
		return "array"
	case KindValue:
		return "value"
	default:
		return "unknown"
	}
}

func kindOf(v *automerge.Value) Kind {
	switch v.Kind() {
	case automerge.KindVoid:
		return KindUnknown
	case automerge.KindText:
		return KindText
	case automerge.KindMap:
		return KindMap
	case automerge.KindList:
		return KindArray
	default:
		return KindValue
	}
}
