package network

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ZentaChain/relaychat/pkg/crypto"
)

// pendingItem is a serialized frame waiting for delivery to recipient
type pendingItem struct {
	recipient uint64
	frame     []byte
}

// lane is one FIFO of the pending queue
type lane struct {
	mu     sync.Mutex
	items  []pendingItem
	notify chan struct{}
}

func newLane() *lane {
	return &lane{notify: make(chan struct{}, 1)}
}

func (l *lane) signal() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// pendingQueue fans frames out over lanes. With ordered delivery every
// recipient maps to one lane, drained by one worker, so its frames are
// written in enqueue order. Otherwise there is a single lane shared by all
// workers.
type pendingQueue struct {
	lanes []*lane
	size  atomic.Int64
}

func newPendingQueue(lanes int) *pendingQueue {
	if lanes < 1 {
		lanes = 1
	}
	q := &pendingQueue{lanes: make([]*lane, lanes)}
	for i := range q.lanes {
		q.lanes[i] = newLane()
	}
	return q
}

func (q *pendingQueue) laneFor(recipient uint64) int {
	return crypto.LaneIndex(recipient, len(q.lanes))
}

// push appends items in order. Items for the same lane are appended under
// one lock acquisition.
func (q *pendingQueue) push(items ...pendingItem) {
	for start := 0; start < len(items); {
		idx := q.laneFor(items[start].recipient)
		end := start + 1
		for end < len(items) && q.laneFor(items[end].recipient) == idx {
			end++
		}

		l := q.lanes[idx]
		l.mu.Lock()
		l.items = append(l.items, items[start:end]...)
		l.mu.Unlock()
		q.size.Add(int64(end - start))
		l.signal()

		start = end
	}
}

// pop blocks until lane idx has an item or ctx is done
func (q *pendingQueue) pop(ctx context.Context, idx int) (pendingItem, bool) {
	l := q.lanes[idx]
	for {
		l.mu.Lock()
		if len(l.items) > 0 {
			item := l.items[0]
			l.items[0] = pendingItem{}
			l.items = l.items[1:]
			remaining := len(l.items)
			if remaining == 0 {
				l.items = nil
			}
			l.mu.Unlock()

			q.size.Add(-1)
			// Hand the wakeup on to another worker sharing this lane
			if remaining > 0 {
				l.signal()
			}
			return item, true
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return pendingItem{}, false
		case <-l.notify:
		}
	}
}

// drain removes every queued item
func (q *pendingQueue) drain() []pendingItem {
	var items []pendingItem
	for _, l := range q.lanes {
		l.mu.Lock()
		items = append(items, l.items...)
		l.items = nil
		l.mu.Unlock()
	}
	q.size.Add(-int64(len(items)))
	return items
}

func (q *pendingQueue) len() int {
	return int(q.size.Load())
}
