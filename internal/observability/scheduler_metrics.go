package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes update-scheduler Prometheus metrics.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	TickDuration   prometheus.Histogram
	ScheduledItems prometheus.Gauge
	ItemFailures   prometheus.Counter
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

	tickHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_tick_duration_seconds",
		Help:    "Wall-clock duration of one update scheduler tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.002, 0.004, 0.008, 0.016, 0.033, 0.1},
	})
	tickHistogram, err := registerHistogram(reg, tickHistogram, "scheduler_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	items := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_items",
		Help: "Number of items registered with the update scheduler.",
	})
	items, err = registerGauge(reg, items, "scheduler_items")
	if err != nil {
		return nil, err
	}

	failures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_item_failures_total",
		Help: "Errors and recovered panics raised by scheduled items.",
	})
	failures, err = registerCounter(reg, failures, "scheduler_item_failures_total")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:       gatherer,
		TickDuration:   tickHistogram,
		ScheduledItems: items,
		ItemFailures:   failures,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveTick records one tick's duration and the number of items it ran.
func (c *SchedulerCollector) ObserveTick(d time.Duration, items int) {
	if c == nil {
		return
	}
	if c.TickDuration != nil {
		c.TickDuration.Observe(d.Seconds())
	}
	if c.ScheduledItems != nil {
		c.ScheduledItems.Set(float64(items))
	}
}

// IncFailures increments the item failure counter. It has the signature of a
// scheduler OnError callback.
func (c *SchedulerCollector) IncFailures(error) {
	if c == nil || c.ItemFailures == nil {
		return
	}
	c.ItemFailures.Inc()
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

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
