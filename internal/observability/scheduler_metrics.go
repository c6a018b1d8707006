package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes metrics of the virtual-time event queue that
// drives a simulation.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	EventsRun     prometheus.Counter
	EventsPending prometheus.Gauge
	VirtualTime   prometheus.Gauge
	StepDuration  prometheus.Histogram
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	run, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_events_run_total",
		Help: "Callbacks executed by the event queue.",
	}), "sim_events_run_total")
	if err != nil {
		return nil, err
	}

	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_events_pending",
		Help: "Callbacks waiting in the event queue.",
	}), "sim_events_pending")
	if err != nil {
		return nil, err
	}

	vt, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_virtual_time_seconds",
		Help: "Virtual time elapsed since the start of the run.",
	}), "sim_virtual_time_seconds")
	if err != nil {
		return nil, err
	}

	step, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_step_duration_seconds",
		Help:    "Wall-clock time spent advancing the event queue by one step.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}), "sim_step_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:      gatherer,
		EventsRun:     run,
		EventsPending: pending,
		VirtualTime:   vt,
		StepDuration:  step,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveStep records one advance of the queue.
func (c *SchedulerCollector) ObserveStep(ran, pending int, elapsed time.Duration, wall time.Duration) {
	if c == nil {
		return
	}
	if c.EventsRun != nil {
		c.EventsRun.Add(float64(ran))
	}
	if c.EventsPending != nil {
		c.EventsPending.Set(float64(pending))
	}
	if c.VirtualTime != nil {
		c.VirtualTime.Set(elapsed.Seconds())
	}
	if c.StepDuration != nil {
		c.StepDuration.Observe(wall.Seconds())
	}
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
