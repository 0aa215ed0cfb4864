package jobs

import "sync"

const subscriberBuffer = 16

// broadcaster is a single job's progress fan-out: one publisher (the
// worker running the job), many subscribers (HTTP stream handlers). A new
// subscriber immediately receives the last-known snapshot, then live
// deltas. A slow subscriber never blocks the worker — its channel is
// buffered and a full channel just drops the update.
type broadcaster struct {
	mu   sync.Mutex
	last *progressSnapshot
	subs map[int]chan progressSnapshot
	next int
}

type progressSnapshot struct {
	data any
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan progressSnapshot)}
}

func (b *broadcaster) publish(v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := progressSnapshot{data: v}
	b.last = &snap
	for _, ch := range b.subs {
		select {
		case ch <- snap:
		default:
			// slow subscriber: drop this update, it'll get the next one
			// or re-sync from a future snapshot.
		}
	}
}

// subscribe returns a channel of future updates (seeded with the current
// snapshot if one exists) and an unsubscribe func.
func (b *broadcaster) subscribe() (<-chan progressSnapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan progressSnapshot, subscriberBuffer)
	if b.last != nil {
		ch <- *b.last
	}
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}
