package syncer

import (
	"sync"

	"github.com/mpetrovs/keebsync/internal/models"
)

// progressBus fans progress events out to any number of subscribers.
// Delivery is best-effort: a subscriber that stops draining its channel
// misses events instead of stalling a sync pass.
type progressBus struct {
	mu   sync.Mutex
	subs map[int]chan models.Progress
	next int
}

func newProgressBus() *progressBus {
	return &progressBus{subs: make(map[int]chan models.Progress)}
}

func (b *progressBus) subscribe() (<-chan models.Progress, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan models.Progress, 64)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

func (b *progressBus) publish(p models.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- p:
		default:
		}
	}
}
