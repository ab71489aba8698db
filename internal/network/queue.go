package network

import (
	"errors"
	"time"
)

// ErrQueueFull is returned by Push when the ring has no free entry.
var ErrQueueFull = errors.New("outbound queue full")

// SendFunc writes data to the peer with stable id dest. It returns the number
// of bytes written and ErrWouldBlock, ErrPeerGone or a fatal transport error.
type SendFunc func(dest uint64, data []byte) (int, error)

// Outcome is the result of one retry attempt.
type Outcome int

const (
	// OutcomeEmpty means there was nothing to retry.
	OutcomeEmpty Outcome = iota
	// OutcomeSent means the head entry completed and was popped.
	OutcomeSent
	// OutcomeDropped means the head entry was popped unsent: its peer is gone
	// or the write failed fatally.
	OutcomeDropped
	// OutcomeBlocked means the head entry could not complete and stays at the head.
	OutcomeBlocked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmpty:
		return "empty"
	case OutcomeSent:
		return "sent"
	case OutcomeDropped:
		return "dropped"
	case OutcomeBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

type queueEntry struct {
	dest uint64
	data []byte
	sent int

	// first time a retry of this entry blocked, zero until then
	blockedAt time.Time
}

// Queue is a bounded FIFO ring of frames that could not be written in full.
// Entries are retried strictly in push order across all destinations.
type Queue struct {
	entries []queueEntry
	head    int
	size    int
	pending map[uint64]int
	now     func() time.Time
}

// NewQueue creates a queue holding at most capacity entries.
func NewQueue(capacity int) *Queue {
	return &Queue{
		entries: make([]queueEntry, capacity),
		pending: make(map[uint64]int),
		now:     time.Now,
	}
}

// Push appends a frame for dest of which the first sent bytes already went out.
func (q *Queue) Push(dest uint64, data []byte, sent int) error {
	if q.size == len(q.entries) {
		return ErrQueueFull
	}

	tail := (q.head + q.size) % len(q.entries)
	q.entries[tail] = queueEntry{dest: dest, data: data, sent: sent}
	q.size++
	q.pending[dest]++
	return nil
}

// RetryOne attempts to finish the head entry.
func (q *Queue) RetryOne(send SendFunc) Outcome {
	if q.size == 0 {
		return OutcomeEmpty
	}

	// send may push new entries; the head slot is never overwritten by that
	e := &q.entries[q.head]
	n, err := send(e.dest, e.data[e.sent:])
	e.sent += n

	switch {
	case err == nil && e.sent == len(e.data):
		q.pop()
		return OutcomeSent
	case err == nil, errors.Is(err, ErrWouldBlock):
		if e.blockedAt.IsZero() {
			e.blockedAt = q.now()
		}
		return OutcomeBlocked
	default:
		q.pop()
		return OutcomeDropped
	}
}

// Flush retries entries until the queue is empty or the head is blocked. It
// returns the number of entries popped.
func (q *Queue) Flush(send SendFunc) int {
	n := 0
	for {
		switch q.RetryOne(send) {
		case OutcomeEmpty, OutcomeBlocked:
			return n
		default:
			n++
		}
	}
}

// HeadStall returns the destination of the head entry and how long it has
// been blocked. The duration is zero while the head has not blocked yet.
func (q *Queue) HeadStall() (uint64, time.Duration) {
	if q.size == 0 {
		return 0, 0
	}
	e := q.entries[q.head]
	if e.blockedAt.IsZero() {
		return e.dest, 0
	}
	return e.dest, q.now().Sub(e.blockedAt)
}

// Pending reports whether bytes for dest are still queued.
func (q *Queue) Pending(dest uint64) bool {
	return q.pending[dest] > 0
}

// Len returns the number of queued entries.
func (q *Queue) Len() int { return q.size }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.entries) }

func (q *Queue) pop() {
	e := q.entries[q.head]
	if q.pending[e.dest]--; q.pending[e.dest] <= 0 {
		delete(q.pending, e.dest)
	}
	q.entries[q.head] = queueEntry{}
	q.head = (q.head + 1) % len(q.entries)
	q.size--
}
