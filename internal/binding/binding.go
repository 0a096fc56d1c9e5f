// Package binding keeps a plain snapshot of a shared type in sync with the
// replica and hands every new snapshot to a render callback.
package binding

import "sync"

// base holds the subscription shared by every binding kind.
type base struct {
	mu        sync.Mutex
	cancel    func()
	closeOnce sync.Once
}

func (b *base) start(cancel func()) {
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
}

// Close stops observing the shared type. It is safe to call more than once.
func (b *base) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		cancel := b.cancel
		b.cancel = nil
		b.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

func (b *base) closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancel == nil
}
