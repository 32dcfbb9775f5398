package prometheus

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Swind/go-task-engine/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// defaultStepBuckets covers sub-millisecond steps up to a full frame budget.
var defaultStepBuckets = []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	stepDurationSeconds *prom.HistogramVec
	queueDepth          *prom.GaugeVec
	evictionsTotal      *prom.CounterVec
	flushedTasksTotal   *prom.CounterVec
	cyclesTotal         *prom.CounterVec
	cycleSteps          *prom.HistogramVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "taskengine"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = defaultStepBuckets
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "step_duration_seconds",
		Help:      "Duration of a single task step in seconds.",
		Buckets:   buckets,
	}, []string{"engine"})
	queueDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Run queue length at the end of the last cycle.",
	}, []string{"engine"})
	evictionsVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "evictions_total",
		Help:      "Total number of tasks removed from a run queue after a step.",
	}, []string{"engine", "reason"})
	flushedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "flushed_tasks_total",
		Help:      "Total number of tasks killed by a flush.",
	}, []string{"engine"})
	cyclesVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Total number of dispatch cycles.",
	}, []string{"engine", "budget_exhausted"})
	cycleStepsVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_steps",
		Help:      "Number of steps run per dispatch cycle.",
		Buckets:   prom.ExponentialBuckets(1, 2, 10),
	}, []string{"engine"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if queueDepthVec, err = registerCollector(reg, queueDepthVec); err != nil {
		return nil, err
	}
	if evictionsVec, err = registerCollector(reg, evictionsVec); err != nil {
		return nil, err
	}
	if flushedVec, err = registerCollector(reg, flushedVec); err != nil {
		return nil, err
	}
	if cyclesVec, err = registerCollector(reg, cyclesVec); err != nil {
		return nil, err
	}
	if cycleStepsVec, err = registerCollector(reg, cycleStepsVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		stepDurationSeconds: durationVec,
		queueDepth:          queueDepthVec,
		evictionsTotal:      evictionsVec,
		flushedTasksTotal:   flushedVec,
		cyclesTotal:         cyclesVec,
		cycleSteps:          cycleStepsVec,
	}, nil
}

// RecordStepDuration records step execution duration.
func (m *MetricsExporter) RecordStepDuration(engineName string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDurationSeconds.WithLabelValues(normalizeLabel(engineName, "unknown")).Observe(duration.Seconds())
}

// RecordQueueDepth records queue depth.
func (m *MetricsExporter) RecordQueueDepth(engineName string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(engineName, "unknown")).Set(float64(depth))
}

// RecordEviction records a task leaving a run queue.
func (m *MetricsExporter) RecordEviction(engineName string, reason string) {
	if m == nil {
		return
	}
	m.evictionsTotal.WithLabelValues(normalizeLabel(engineName, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

// RecordFlush records tasks killed by a flush.
func (m *MetricsExporter) RecordFlush(engineName string, killed int) {
	if m == nil {
		return
	}
	m.flushedTasksTotal.WithLabelValues(normalizeLabel(engineName, "unknown")).Add(float64(killed))
}

// RecordCycle records one dispatch cycle.
func (m *MetricsExporter) RecordCycle(engineName string, steps int, budgetExhausted bool) {
	if m == nil {
		return
	}
	name := normalizeLabel(engineName, "unknown")
	m.cyclesTotal.WithLabelValues(name, strconv.FormatBool(budgetExhausted)).Inc()
	m.cycleSteps.WithLabelValues(name).Observe(float64(steps))
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}
