package core

import "time"

const (
	defaultTimerQueueCap = 16
	timerCompactMinCap   = 64 // Don't compact if capacity is less than this
	timerCompactFactor   = 4  // Trigger compaction when len < cap/4
)

// TimerQueue holds the running, possibly cancelled, timers of a single
// interval in the order they were started. Because every timer in the queue
// has the same interval, start order is also expiration order.
//
// A cancelled timer leaves a nil slot (a tombstone) behind. Tombstones are
// only removed when they reach the front, so Cancel never shifts the queue.
//
// "Current" means the timer that Pop returns next, also when that timer was
// already cancelled.
//
// TimerQueue is not safe for concurrent use; the owner serializes access.
type TimerQueue struct {
	sequenceOffset uint64 // Number of slots removed from the front so far.
	timers         []*Timer
}

// NewTimerQueue creates an empty queue.
func NewTimerQueue() *TimerQueue {
	return &TimerQueue{
		timers: make([]*Timer, 0, defaultTimerQueueCap),
	}
}

// Push appends timer and returns its sequence number. Sequence numbers start
// at 0 and increase for the lifetime of the queue.
func (q *TimerQueue) Push(timer *Timer) uint64 {
	assertf(timer != nil, "TimerQueue.Push", "nil timer")
	q.timers = append(q.timers, timer)
	return q.sequenceOffset + uint64(len(q.timers)-1)
}

// IsCurrent reports whether sequence is at the front of the queue.
func (q *TimerQueue) IsCurrent(sequence uint64) bool {
	return sequence == q.sequenceOffset
}

// Cancel tombstones the timer with the given sequence number, which must have
// been returned by Push and must not have been popped or cancelled yet.
// It returns true if the cancelled timer was the current one; in that case
// the front tombstone and any tombstones directly behind it are dropped.
func (q *TimerQueue) Cancel(sequence uint64) bool {
	assertf(sequence >= q.sequenceOffset && sequence-q.sequenceOffset < uint64(len(q.timers)),
		"TimerQueue.Cancel", "sequence %d is not in the queue (offset %d, size %d)", sequence, q.sequenceOffset, len(q.timers))
	i := sequence - q.sequenceOffset
	assertf(q.timers[i] != nil, "TimerQueue.Cancel", "sequence %d was already cancelled", sequence)

	q.timers[i] = nil
	if i != 0 {
		return false
	}
	q.dropFront(1)
	return true
}

// Pop removes the current timer and returns it. The queue must not be empty.
// The returned timer is never a tombstone.
func (q *TimerQueue) Pop() *Timer {
	assertf(len(q.timers) > 0, "TimerQueue.Pop", "queue is empty")
	timer := q.timers[0]
	q.dropFront(1)
	return timer
}

// dropFront removes n slots and then every tombstone that follows them.
func (q *TimerQueue) dropFront(n int) {
	for n < len(q.timers) && q.timers[n] == nil {
		n++
	}
	clear(q.timers[:n])
	q.timers = q.timers[n:]
	q.sequenceOffset += uint64(n)
	q.maybeCompact()
}

func (q *TimerQueue) maybeCompact() {
	n := len(q.timers)
	c := cap(q.timers)

	if c < timerCompactMinCap {
		return
	}
	if n == 0 {
		q.timers = make([]*Timer, 0, defaultTimerQueueCap)
		return
	}
	if n*timerCompactFactor >= c {
		return
	}

	timers := make([]*Timer, n, max(c/2, defaultTimerQueueCap, n))
	copy(timers, q.timers)
	q.timers = timers
}

// NextExpirationPoint returns the expiration point of the current timer.
// The boolean is false when the queue is empty.
func (q *TimerQueue) NextExpirationPoint() (time.Time, bool) {
	if len(q.timers) == 0 {
		return time.Time{}, false
	}
	return q.timers[0].ExpirationPoint(), true
}

// =============================================================================
// Diagnostics
// =============================================================================

// Empty reports whether there are no slots left, cancelled or not.
func (q *TimerQueue) Empty() bool { return len(q.timers) == 0 }

// Len returns the number of slots, including tombstones.
func (q *TimerQueue) Len() int { return len(q.timers) }

// CancelledInQueue counts the tombstones still in the queue.
func (q *TimerQueue) CancelledInQueue() int {
	n := 0
	for _, t := range q.timers {
		if t == nil {
			n++
		}
	}
	return n
}

// SequenceOffset returns the number of slots removed from the front so far.
func (q *TimerQueue) SequenceOffset() uint64 { return q.sequenceOffset }

// Timers returns a copy of the slots, with nil for tombstones.
func (q *TimerQueue) Timers() []*Timer {
	return append([]*Timer(nil), q.timers...)
}
