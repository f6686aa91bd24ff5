package session

import (
	"container/list"
	"time"

	"github.com/ashureev/callrelay/internal/protocol"
)

const defaultMaxPending = 256

// pendingQueue buffers signals for one participant in arrival order. When
// the queue is full the oldest entry is evicted.
type pendingQueue struct {
	l       *list.List
	maxSize int
}

func newPendingQueue(maxSize int) *pendingQueue {
	if maxSize <= 0 {
		maxSize = defaultMaxPending
	}
	return &pendingQueue{l: list.New(), maxSize: maxSize}
}

// push appends msg and returns how many entries were evicted to make room.
func (q *pendingQueue) push(msg protocol.Message, at time.Time) int {
	queuedAt := at.UTC()
	msg.QueuedAt = &queuedAt
	q.l.PushBack(msg)

	evicted := 0
	for q.l.Len() > q.maxSize {
		q.l.Remove(q.l.Front())
		evicted++
	}
	return evicted
}

// pushFront puts undelivered messages back ahead of anything queued since.
func (q *pendingQueue) pushFront(msgs []protocol.Message) {
	for i := len(msgs) - 1; i >= 0; i-- {
		q.l.PushFront(msgs[i])
	}
	for q.l.Len() > q.maxSize {
		q.l.Remove(q.l.Front())
	}
}

func (q *pendingQueue) drain() []protocol.Message {
	if q.l.Len() == 0 {
		return nil
	}
	out := make([]protocol.Message, 0, q.l.Len())
	for e := q.l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(protocol.Message))
	}
	q.l.Init()
	return out
}

func (q *pendingQueue) len() int {
	return q.l.Len()
}
