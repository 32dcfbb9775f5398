package taskengine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/Swind/go-task-engine/core"
	"golang.org/x/sync/errgroup"
)

// DefaultFrameInterval is how often an engine with a maximum duration is
// driven when no interval is configured.
const DefaultFrameInterval = 16 * time.Millisecond

// EngineThread drives one engine from a dedicated goroutine locked to its
// OS thread, which makes that goroutine the engine's owner.
//
// Engines without a maximum duration are driven back to back (Mainloop
// blocks while the queue is empty). Engines with one are driven once per
// frame tick.
type EngineThread struct {
	engine        *core.Engine
	frameInterval time.Duration
	logger        core.Logger

	done      chan struct{}
	cancel    context.CancelFunc
	running   bool
	runningMu sync.RWMutex
}

// ThreadOption configures an EngineThread.
type ThreadOption func(*EngineThread)

// WithFrameInterval sets the frame tick for engines with a maximum duration.
func WithFrameInterval(d time.Duration) ThreadOption {
	return func(th *EngineThread) { th.frameInterval = d }
}

// WithThreadLogger sets the logger for start/stop events.
func WithThreadLogger(l core.Logger) ThreadOption {
	return func(th *EngineThread) { th.logger = l }
}

// NewEngineThread creates a stopped thread for engine.
func NewEngineThread(engine *core.Engine, opts ...ThreadOption) *EngineThread {
	th := &EngineThread{
		engine:        engine,
		frameInterval: DefaultFrameInterval,
	}
	for _, opt := range opts {
		opt(th)
	}
	if th.logger == nil {
		th.logger = core.NewNoOpLogger()
	}
	if th.frameInterval <= 0 {
		th.frameInterval = DefaultFrameInterval
	}
	return th
}

// Engine returns the engine driven by this thread.
func (th *EngineThread) Engine() *core.Engine { return th.engine }

// Start launches the goroutine. It runs until ctx is done or Stop is called.
// Starting a thread that is already running, alone or as part of
// EngineThreads, is a no-op.
func (th *EngineThread) Start(ctx context.Context) {
	ctx, done, ok := th.claim(ctx)
	if !ok {
		return // Already running
	}
	go func() {
		defer close(done)
		th.Run(ctx)
	}()
}

// claim marks the thread running and returns the context and done channel
// for the new run, or false if the thread is already running.
func (th *EngineThread) claim(ctx context.Context) (context.Context, chan struct{}, bool) {
	th.runningMu.Lock()
	defer th.runningMu.Unlock()

	if th.running {
		return nil, nil, false
	}
	ctx, th.cancel = context.WithCancel(ctx)
	th.done = make(chan struct{})
	th.running = true
	return ctx, th.done, true
}

// Stop cancels the goroutine and waits for the current cycle to end.
// Queued tasks stay in the engine; use Engine().Flush() to kill them.
func (th *EngineThread) Stop() {
	th.runningMu.Lock()
	if !th.running {
		th.runningMu.Unlock()
		return
	}
	cancel, done := th.cancel, th.done
	th.running = false
	th.runningMu.Unlock()

	cancel()
	th.engine.WakeUp()
	<-done
}

// IsRunning returns whether the thread was started and not stopped.
func (th *EngineThread) IsRunning() bool {
	th.runningMu.RLock()
	defer th.runningMu.RUnlock()
	return th.running
}

// Run drives the engine on the calling goroutine until ctx is done.
func (th *EngineThread) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	th.logger.Info("engine thread started", core.F("engine", th.engine.Name()))
	defer th.logger.Info("engine thread stopped", core.F("engine", th.engine.Name()))

	ticker := time.NewTicker(th.frameInterval)
	defer ticker.Stop()

	for {
		if th.engine.HasMaxDuration() {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}
		th.engine.Mainloop(ctx)
	}
}

// =============================================================================
// EngineThreads: one thread per engine
// =============================================================================

// EngineThreads runs a fixed set of engines, one goroutine each.
type EngineThreads struct {
	threads []*EngineThread

	mu     sync.Mutex
	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewEngineThreads creates one EngineThread per engine, all with opts.
func NewEngineThreads(engines []*core.Engine, opts ...ThreadOption) *EngineThreads {
	s := &EngineThreads{}
	for _, e := range engines {
		s.threads = append(s.threads, NewEngineThread(e, opts...))
	}
	return s
}

// Engines returns the engines in construction order.
func (s *EngineThreads) Engines() []*core.Engine {
	engines := make([]*core.Engine, len(s.threads))
	for i, th := range s.threads {
		engines[i] = th.engine
	}
	return engines
}

// StartAll starts every thread that is not already running. Starting twice
// is a no-op.
func (s *EngineThreads) StartAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.group != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, th := range s.threads {
		runCtx, done, ok := th.claim(gctx)
		if !ok {
			continue
		}
		g.Go(func() error {
			defer close(done)
			th.Run(runCtx)
			return nil
		})
	}
	s.group = g
}

// StopAll stops every thread in the set and waits for them.
func (s *EngineThreads) StopAll() error {
	s.mu.Lock()
	g, cancel := s.group, s.cancel
	s.group, s.cancel = nil, nil
	s.mu.Unlock()

	if g == nil {
		return nil
	}
	cancel()
	for _, th := range s.threads {
		th.Stop()
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("engine threads: %w", err)
	}
	return nil
}

// FlushAll kills every task still queued on any of the engines and returns
// how many were killed. Call it after StopAll during teardown.
func (s *EngineThreads) FlushAll() int {
	n := 0
	for _, th := range s.threads {
		n += th.engine.Flush()
	}
	return n
}

// =============================================================================
// Auxiliary thread helper (Singleton)
// =============================================================================

var (
	auxiliaryThread *EngineThread
	auxiliaryMu     sync.Mutex
)

// InitAuxiliaryThread starts driving core.AuxiliaryEngine on its own thread.
// Calling it again is a no-op.
func InitAuxiliaryThread() {
	auxiliaryMu.Lock()
	defer auxiliaryMu.Unlock()

	if auxiliaryThread != nil {
		return // Already initialized
	}

	auxiliaryThread = NewEngineThread(core.AuxiliaryEngine())
	auxiliaryThread.Start(context.Background())
}

// ShutdownAuxiliaryThread stops the auxiliary thread and kills the tasks
// left on the auxiliary engine.
func ShutdownAuxiliaryThread() {
	auxiliaryMu.Lock()
	defer auxiliaryMu.Unlock()

	if auxiliaryThread != nil {
		auxiliaryThread.Stop()
		auxiliaryThread.Engine().Flush()
		auxiliaryThread = nil
	}
}
