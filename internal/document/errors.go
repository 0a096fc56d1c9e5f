package document

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyRoom       = errors.New("document: room name is empty")
	ErrKindMismatch    = errors.New("document: shared type kind mismatch")
	ErrIndexOutOfRange = errors.New("document: index out of range")
	ErrClosed          = errors.New("document: closed")
)

// KindMismatchError reports a key that already holds a different kind of
// shared type, either from an earlier lookup or from a peer.
type KindMismatchError struct {
	Key  string
	Have Kind
	Want Kind
}

func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("document: key %q holds %s, requested %s", e.Key, e.Have, e.Want)
}

func (e *KindMismatchError) Is(target error) bool {
	return target == ErrKindMismatch
}

func outOfRange(op string, index, length int) error {
	return fmt.Errorf("%s at %d (length %d): %w", op, index, length, ErrIndexOutOfRange)
}
