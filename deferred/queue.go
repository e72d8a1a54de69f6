// Package deferred implements the per-device deferred I/O queue (spec §3
// "DeferredItem", §4.3): a LIFO singly-linked list of requests held while a
// device is not ACTIVE. The queue itself holds no lock — callers push under
// the registry writer lock and detach-and-replay under the same discipline
// (spec §4.3, §4.6).
package deferred

import "github.com/behrlich/go-dm/internal/interfaces"

// Item is one request waiting for the device to become ACTIVE again.
type Item struct {
	Req  *interfaces.Request
	RW   interfaces.Direction
	next *Item
}

// Queue is a LIFO singly-linked list of deferred items.
type Queue struct {
	head  *Item
	count int
}

// Push adds an item at the head. Callers hold the registry writer lock.
func (q *Queue) Push(req *interfaces.Request, rw interfaces.Direction) {
	q.head = &Item{Req: req, RW: rw, next: q.head}
	q.count++
}

// Len returns the number of items currently queued.
func (q *Queue) Len() int { return q.count }

// Detach atomically (with respect to the caller's own lock discipline)
// removes the entire list and returns its head, leaving the queue empty.
// Replay happens outside the writer lock (spec §4.3, §4.6); order is LIFO
// and not guaranteed stable across an activation cycle.
func (q *Queue) Detach() *Item {
	head := q.head
	q.head = nil
	q.count = 0
	return head
}

// Next returns the item following this one in the detached chain.
func (i *Item) Next() *Item { return i.next }
