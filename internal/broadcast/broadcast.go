// Package broadcast fans a payload-free "changed" signal out to subscribers.
package broadcast

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Broadcaster keeps an explicit subscriber list. Each subscriber channel holds
// at most one pending signal; bursts coalesce.
type Broadcaster struct {
	subs *xsync.MapOf[uint64, chan struct{}]
	next atomic.Uint64
}

func New() *Broadcaster {
	return &Broadcaster{subs: xsync.NewMapOf[uint64, chan struct{}]()}
}

// Subscribe registers a subscriber. Call cancel to unregister. The channel is
// never closed since Notify may still hold it.
func (b *Broadcaster) Subscribe() (<-chan struct{}, func()) {
	id := b.next.Add(1)
	ch := make(chan struct{}, 1)
	b.subs.Store(id, ch)
	return ch, func() {
		b.subs.Delete(id)
	}
}

// Notify signals every subscriber without blocking.
func (b *Broadcaster) Notify() {
	b.subs.Range(func(_ uint64, ch chan struct{}) bool {
		select {
		case ch <- struct{}{}:
		default:
		}
		return true
	})
}

// Len returns the subscriber count.
func (b *Broadcaster) Len() int {
	return b.subs.Size()
}
