package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-task-engine/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// EngineSnapshotProvider provides current engine stats snapshots.
type EngineSnapshotProvider interface {
	Stats() core.EngineStats
}

// TimerServiceSnapshotProvider provides current timer service stats snapshots.
type TimerServiceSnapshotProvider interface {
	Stats() core.TimerServiceStats
}

// GateSnapshotProvider provides current gate stats snapshots.
type GateSnapshotProvider interface {
	Stats() core.GateStats
}

// SnapshotPoller periodically exports engine, timer service and gate Stats()
// snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	mu            sync.RWMutex
	engines       map[string]EngineSnapshotProvider
	timerServices map[string]TimerServiceSnapshotProvider
	gates         map[string]GateSnapshotProvider

	engineQueued      *prom.GaugeVec
	engineWaiting     *prom.GaugeVec
	engineMaxDuration *prom.GaugeVec
	engineFrame       *prom.GaugeVec

	timersRunning  *prom.GaugeVec
	timerIntervals *prom.GaugeVec
	gateCount      *prom.GaugeVec
	gateWaiting    *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "taskengine",
			Name:      name,
			Help:      help,
		}, labels)
	}

	p := &SnapshotPoller{
		interval:          interval,
		engines:           make(map[string]EngineSnapshotProvider),
		timerServices:     make(map[string]TimerServiceSnapshotProvider),
		gates:             make(map[string]GateSnapshotProvider),
		engineQueued:      gauge("engine_queued", "Tasks in the engine run queue.", "engine"),
		engineWaiting:     gauge("engine_waiting", "Engine blocked on an empty queue (1=waiting, 0=not).", "engine"),
		engineMaxDuration: gauge("engine_max_duration_seconds", "Per-cycle budget of the engine, 0 when unbounded.", "engine"),
		engineFrame:       gauge("engine_frame", "Frame counter of a budget engine.", "engine"),
		timersRunning:     gauge("timer_service_running", "Running timers per timer service.", "service"),
		timerIntervals:    gauge("timer_service_intervals", "Distinct intervals with pending timers.", "service"),
		gateCount:         gauge("gate_count", "Outstanding count of a gate.", "gate"),
		gateWaiting:       gauge("gate_waiting", "Gate has a waiter (1=waiting, 0=not).", "gate"),
	}

	var err error
	for _, vec := range []**prom.GaugeVec{
		&p.engineQueued, &p.engineWaiting, &p.engineMaxDuration, &p.engineFrame,
		&p.timersRunning, &p.timerIntervals, &p.gateCount, &p.gateWaiting,
	} {
		if *vec, err = registerCollector(reg, *vec); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// AddEngine adds or replaces an engine snapshot provider by name.
func (p *SnapshotPoller) AddEngine(name string, provider EngineSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "engine")
	p.mu.Lock()
	p.engines[name] = provider
	p.mu.Unlock()
}

// AddTimerService adds or replaces a timer service snapshot provider by name.
func (p *SnapshotPoller) AddTimerService(name string, provider TimerServiceSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "timers")
	p.mu.Lock()
	p.timerServices[name] = provider
	p.mu.Unlock()
}

// AddGate adds or replaces a gate snapshot provider by name.
func (p *SnapshotPoller) AddGate(name string, provider GateSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "gate")
	p.mu.Lock()
	p.gates[name] = provider
	p.mu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for name, provider := range p.engines {
		stats := provider.Stats()
		p.engineQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.engineWaiting.WithLabelValues(name).Set(boolGauge(stats.Waiting))
		p.engineMaxDuration.WithLabelValues(name).Set(stats.MaxDuration.Seconds())
		p.engineFrame.WithLabelValues(name).Set(float64(stats.Frame))
	}
	for name, provider := range p.timerServices {
		stats := provider.Stats()
		p.timersRunning.WithLabelValues(name).Set(float64(stats.Running))
		p.timerIntervals.WithLabelValues(name).Set(float64(stats.Intervals))
	}
	for name, provider := range p.gates {
		stats := provider.Stats()
		p.gateCount.WithLabelValues(name).Set(float64(stats.Count))
		p.gateWaiting.WithLabelValues(name).Set(boolGauge(stats.Waiting))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
