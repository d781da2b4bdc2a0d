package dispatch

import (
	"container/heap"
	"context"
	"sort"
	"sync"
)

// Priority orders commands in the queue; lower values are dispatched first.
type Priority int

const (
	PriorityEmergency Priority = iota + 1
	PriorityStatus
	PriorityNormal
)

func (p Priority) String() string {
	switch p {
	case PriorityEmergency:
		return "emergency"
	case PriorityStatus:
		return "status"
	case PriorityNormal:
		return "normal"
	}
	return "unknown"
}

// Command is a queued outbound command. Seq is assigned by the queue and
// breaks ties within a priority class.
type Command struct {
	Priority Priority
	Payload  string
	Seq      uint64
}

func (c Command) less(o Command) bool {
	if c.Priority != o.Priority {
		return c.Priority < o.Priority
	}
	return c.Seq < o.Seq
}

type commandHeap []Command

func (h commandHeap) Len() int            { return len(h) }
func (h commandHeap) Less(i, j int) bool  { return h[i].less(h[j]) }
func (h commandHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *commandHeap) Push(x interface{}) { *h = append(*h, x.(Command)) }
func (h *commandHeap) Pop() interface{} {
	old := *h
	n := len(old) - 1
	c := old[n]
	*h = old[:n]
	return c
}

// Queue is a priority-then-FIFO command queue. Any number of goroutines may
// push; Pop parks the caller until a command is available.
type Queue struct {
	mx    sync.Mutex
	items commandHeap
	seq   uint64

	// wake holds a token whenever the queue may be non-empty.
	wake chan struct{}
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pushLocked must be called with q.mx held.
func (q *Queue) pushLocked(p Priority, payload string) Command {
	q.seq++
	c := Command{Priority: p, Payload: payload, Seq: q.seq}
	heap.Push(&q.items, c)
	return c
}

// Push enqueues a command and returns it with its sequence number. It never
// blocks and never drops.
func (q *Queue) Push(p Priority, payload string) Command {
	q.mx.Lock()
	c := q.pushLocked(p, payload)
	q.mx.Unlock()
	q.signal()
	return c
}

// Pop removes the lowest (priority, seq) command, waiting until one exists
// or ctx is done.
func (q *Queue) Pop(ctx context.Context) (Command, error) {
	for {
		q.mx.Lock()
		if len(q.items) > 0 {
			c := heap.Pop(&q.items).(Command)
			more := len(q.items) > 0
			q.mx.Unlock()
			if more {
				q.signal()
			}
			return c, nil
		}
		q.mx.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return Command{}, ctx.Err()
		}
	}
}

// TryPop pops the head only if its priority is at or above max (numerically
// <= max). It never blocks.
func (q *Queue) TryPop(max Priority) (Command, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if len(q.items) == 0 || q.items[0].Priority > max {
		return Command{}, false
	}
	return heap.Pop(&q.items).(Command), true
}

// ResetWith discards every queued command and leaves exactly one emergency
// command in their place. Nothing can observe the queue in between.
func (q *Queue) ResetWith(payload string) (Command, int) {
	q.mx.Lock()
	dropped := len(q.items)
	q.items = q.items[:0]
	c := q.pushLocked(PriorityEmergency, payload)
	q.mx.Unlock()
	q.signal()
	return c, dropped
}

// Peek returns the command Pop would return next without removing it.
func (q *Queue) Peek() (Command, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if len(q.items) == 0 {
		return Command{}, false
	}
	return q.items[0], true
}

func (q *Queue) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.items)
}

// Snapshot returns the queued commands in dispatch order.
func (q *Queue) Snapshot() []Command {
	q.mx.Lock()
	out := make([]Command, len(q.items))
	copy(out, q.items)
	q.mx.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}
