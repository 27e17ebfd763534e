package transport

import (
	"sync"
	"time"

	"github.com/swgcluster/controlplane/pkg/wire"
)

// BudgetConfig tunes the adaptive dispatch budget: the
// per-tick time allowance a component spends draining one connection's
// inbound queue before yielding back to the rest of the tick.
type BudgetConfig struct {
	// MinTime and MaxTime clamp the allowance.
	MinTime time.Duration
	MaxTime time.Duration

	// HighWatermark and LowWatermark multiply the queue-depth threshold:
	// a smoothed depth above threshold×HighWatermark grows the allowance,
	// below threshold×LowWatermark shrinks it.
	HighWatermark float64
	LowWatermark  float64

	// QueueThreshold is the nominal inbound depth the watermarks are
	// measured against. The effective threshold contracts as the smoothed
	// per-tick elapsed time approaches MaxTime, so a loaded component
	// reacts to shallower queues.
	QueueThreshold int

	// Smoothing is the EWMA weight given to each new observation.
	Smoothing float64
}

// DefaultBudgetConfig returns the tuning the control plane ships with.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		MinTime:        2 * time.Millisecond,
		MaxTime:        50 * time.Millisecond,
		HighWatermark:  2.0,
		LowWatermark:   0.5,
		QueueThreshold: 64,
		Smoothing:      0.2,
	}
}

// DispatchBudget throttles per-tick input draining with an
// exponentially-weighted moving average of (queue depth, processed
// count, elapsed time). One
// instance is shared across every connection a component drains, so the
// allowance reflects the component's whole inbound pressure, not one
// peer's.
type DispatchBudget struct {
	cfg BudgetConfig

	mu           sync.Mutex
	avgDepth     float64
	avgProcessed float64
	avgElapsed   float64 // milliseconds
	allowance    time.Duration
}

// NewDispatchBudget constructs a budget; zero fields of cfg fall back to
// DefaultBudgetConfig values.
func NewDispatchBudget(cfg BudgetConfig) *DispatchBudget {
	def := DefaultBudgetConfig()
	if cfg.MinTime <= 0 {
		cfg.MinTime = def.MinTime
	}
	if cfg.MaxTime <= cfg.MinTime {
		cfg.MaxTime = def.MaxTime
		if cfg.MaxTime <= cfg.MinTime {
			cfg.MaxTime = 2 * cfg.MinTime
		}
	}
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = def.HighWatermark
	}
	if cfg.LowWatermark <= 0 {
		cfg.LowWatermark = def.LowWatermark
	}
	if cfg.QueueThreshold <= 0 {
		cfg.QueueThreshold = def.QueueThreshold
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = def.Smoothing
	}
	return &DispatchBudget{cfg: cfg, allowance: cfg.MinTime}
}

// Allowance reports the current per-tick drain time budget.
func (b *DispatchBudget) Allowance() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowance
}

// Threshold reports the effective queue-depth threshold after the
// load-proportional contraction.
func (b *DispatchBudget) Threshold() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.thresholdLocked()
}

func (b *DispatchBudget) thresholdLocked() float64 {
	load := b.avgElapsed / float64(b.cfg.MaxTime.Milliseconds())
	if load > 0.9 {
		load = 0.9
	}
	if load < 0 {
		load = 0
	}
	return float64(b.cfg.QueueThreshold) * (1 - load)
}

// Observe folds one drain pass's figures into the moving averages and
// adjusts the allowance: growth toward MaxTime while the smoothed depth
// sits above the high watermark, decay toward MinTime below the low
// watermark.
func (b *DispatchBudget) Observe(queueDepth, processed int, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	a := b.cfg.Smoothing
	b.avgDepth = a*float64(queueDepth) + (1-a)*b.avgDepth
	b.avgProcessed = a*float64(processed) + (1-a)*b.avgProcessed
	b.avgElapsed = a*float64(elapsed.Milliseconds()) + (1-a)*b.avgElapsed

	threshold := b.thresholdLocked()
	switch {
	case b.avgDepth > threshold*b.cfg.HighWatermark:
		b.allowance = b.allowance * 5 / 4
	case b.avgDepth < threshold*b.cfg.LowWatermark:
		b.allowance = b.allowance * 4 / 5
	}
	if b.allowance > b.cfg.MaxTime {
		b.allowance = b.cfg.MaxTime
	}
	if b.allowance < b.cfg.MinTime {
		b.allowance = b.cfg.MinTime
	}
}

// DrainBudget delivers buffered inbound frames to handler like Drain,
// but stops once the budget's current allowance has elapsed, leaving the
// rest of the queue for the next tick. A nil budget degrades to Drain.
func (c *Conn) DrainBudget(b *DispatchBudget, handler func(wire.Frame)) {
	if b == nil {
		c.Drain(handler)
		return
	}
	start := time.Now()
	allowance := b.Allowance()
	depth := len(c.inbound)
	processed := 0
	for {
		select {
		case f := <-c.inbound:
			handler(f)
			processed++
			if time.Since(start) >= allowance {
				b.Observe(depth, processed, time.Since(start))
				return
			}
		default:
			b.Observe(depth, processed, time.Since(start))
			return
		}
	}
}
