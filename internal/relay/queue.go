package relay

import (
	"sync"
	"sync/atomic"
)

type itemKind int

const (
	itemText itemKind = iota
	itemClose
)

type outboundItem struct {
	kind   itemKind
	text   string
	code   int
	reason string
}

// sendQueue is a FIFO bounded by item count and total text bytes.
//
// Once a close item is accepted the queue stops taking text; the close item
// is always delivered after everything queued before it.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	closing  bool

	maxItems int
	maxBytes int
	curBytes int
	items    []outboundItem

	drops atomic.Uint64
}

func newSendQueue(maxItems, maxBytes int) *sendQueue {
	q := &sendQueue{maxItems: maxItems, maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) DropCount() uint64 {
	return q.drops.Load()
}

// EnqueueText never blocks.
func (q *sendQueue) EnqueueText(text string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.closing {
		q.drops.Add(1)
		return ErrClosed
	}
	if len(q.items) >= q.maxItems || q.curBytes+len(text) > q.maxBytes {
		q.drops.Add(1)
		return ErrQueueFull
	}

	q.items = append(q.items, outboundItem{kind: itemText, text: text})
	q.curBytes += len(text)
	q.notEmpty.Signal()
	return nil
}

// EnqueueClose reports false if a close was already queued or the queue is
// closed.
func (q *sendQueue) EnqueueClose(code int, reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.closing {
		return false
	}
	q.closing = true
	q.items = append(q.items, outboundItem{kind: itemClose, code: code, reason: reason})
	q.notEmpty.Signal()
	return true
}

func (q *sendQueue) Closing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closing || q.closed
}

// Dequeue blocks until an item is available or the queue is closed.
func (q *sendQueue) Dequeue() (outboundItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return outboundItem{}, false
	}
	item := q.items[0]
	q.items[0] = outboundItem{}
	q.items = q.items[1:]
	q.curBytes -= len(item.text)
	return item, true
}

// Close discards anything still queued and wakes the writer.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
