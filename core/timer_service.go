package core

import (
	"context"
	"slices"
	"sync"
	"time"
)

// TimerService runs timers for any number of intervals. Each distinct
// interval gets its own TimerQueue; because all timers in a queue share the
// interval, the queue is already sorted and only the fronts need comparing.
type TimerService struct {
	mu     sync.Mutex // serializes every TimerQueue operation
	queues map[time.Duration]*TimerQueue
	clock  Clock
	logger Logger

	wakeup  chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewTimerService creates a stopped service. A nil clock means SystemClock
// and a nil logger means NoOpLogger.
func NewTimerService(clock Clock, logger Logger) *TimerService {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &TimerService{
		queues: make(map[time.Duration]*TimerQueue),
		clock:  clock,
		logger: logger,
		wakeup: make(chan struct{}, 1),
	}
}

// Start launches the expiration goroutine. It stops when ctx is done or
// Stop is called. Starting twice is a no-op.
func (s *TimerService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.logger.Debug("timer service started")
}

// Stop terminates the expiration goroutine and waits for it. Timers that
// are still running stay queued and never fire.
func (s *TimerService) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Debug("timer service stopped", F("running_timers", s.RunningTimers()))
}

// Schedule starts timer so that it expires interval from now. The timer
// must not be running.
func (s *TimerService) Schedule(timer *Timer, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer.mu.Lock()
	assertf(!timer.running, "TimerService.Schedule", "timer is already running")
	timer.interval = interval
	timer.expiration = s.clock.Now().Add(interval)
	timer.running = true
	timer.service = s
	timer.mu.Unlock()

	q, ok := s.queues[interval]
	if !ok {
		q = NewTimerQueue()
		s.queues[interval] = q
	}
	seq := q.Push(timer)

	timer.mu.Lock()
	timer.sequence = seq
	timer.mu.Unlock()

	if q.IsCurrent(seq) {
		// The new front may be the earliest expiration overall.
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	}
}

// Cancel stops timer. It returns false if the timer was not running, which
// happens normally when cancellation races with expiration.
func (s *TimerService) Cancel(timer *Timer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer.mu.Lock()
	if !timer.running {
		timer.mu.Unlock()
		return false
	}
	owner, interval, seq := timer.service, timer.interval, timer.sequence
	timer.mu.Unlock()

	assertf(owner == s, "TimerService.Cancel", "timer is scheduled on another service")
	q := s.queues[interval]
	assertf(q != nil, "TimerService.Cancel", "no queue for interval %v", interval)

	timer.mu.Lock()
	timer.running = false
	timer.mu.Unlock()

	q.Cancel(seq)
	if q.Empty() {
		delete(s.queues, interval)
	}
	return true
}

// RunningTimers returns the number of running timers over all intervals.
func (s *TimerService) RunningTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, q := range s.queues {
		n += q.Len() - q.CancelledInQueue()
	}
	return n
}

// Intervals returns the number of intervals with a non-empty queue.
func (s *TimerService) Intervals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

func (s *TimerService) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		wait := 1000 * time.Hour
		if next, ok := s.nextExpirationPoint(); ok {
			wait = max(next.Sub(s.clock.Now()), 0)
		}

		timer.Reset(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fireExpired()
		case <-s.wakeup:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
	}
}

func (s *TimerService) nextExpirationPoint() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest time.Time
	found := false
	for _, q := range s.queues {
		if next, ok := q.NextExpirationPoint(); ok && (!found || next.Before(earliest)) {
			earliest, found = next, true
		}
	}
	return earliest, found
}

// fireExpired pops every expired timer and runs the callbacks outside the
// lock, in expiration order.
func (s *TimerService) fireExpired() {
	s.mu.Lock()

	now := s.clock.Now()
	var expired []*Timer
	for interval, q := range s.queues {
		for !q.Empty() {
			next, _ := q.NextExpirationPoint()
			if next.After(now) {
				break
			}
			t := q.Pop()
			t.mu.Lock()
			t.running = false
			t.mu.Unlock()
			expired = append(expired, t)
		}
		if q.Empty() {
			delete(s.queues, interval)
		}
	}

	s.mu.Unlock()

	slices.SortStableFunc(expired, func(a, b *Timer) int {
		return a.ExpirationPoint().Compare(b.ExpirationPoint())
	})
	for _, t := range expired {
		if t.callback != nil {
			t.callback()
		}
	}
}
