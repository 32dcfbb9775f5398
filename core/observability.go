package core

import "time"

// EngineStats is a point-in-time view of an engine.
type EngineStats struct {
	Name        string
	Queued      int
	Waiting     bool
	MaxDuration time.Duration
	Frame       uint64
}

// TimerServiceStats is a point-in-time view of a timer service.
type TimerServiceStats struct {
	Running   int
	Intervals int
}

// GateStats is a point-in-time view of a gate.
type GateStats struct {
	Count   int
	Waiting bool
}

// Stats returns a snapshot of the engine.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	queued, waiting := e.queue.Len(), e.waiting
	e.mu.Unlock()

	return EngineStats{
		Name:        e.name,
		Queued:      queued,
		Waiting:     waiting,
		MaxDuration: e.MaxDuration(),
		Frame:       e.Frame(),
	}
}

// Stats returns a snapshot of the timer service.
func (s *TimerService) Stats() TimerServiceStats {
	return TimerServiceStats{
		Running:   s.RunningTimers(),
		Intervals: s.Intervals(),
	}
}

// Stats returns a snapshot of the gate.
func (g *Gate) Stats() GateStats {
	return GateStats{Count: g.Count(), Waiting: g.IsWaiting()}
}
