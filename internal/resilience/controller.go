package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Design constants for the AIMD control loop. The algorithm's emergent
// behavior (constant-link convergence, deferral/drop back-off, slow-link
// concurrency ceiling) is pinned by the harness tests in
// harness_test.go; the exact numeric values below are tuned within the
// ranges those tests allow, not derived analytically.
const (
	alphaDefault     = 0.2
	thresholdDefault = 0.1
	decreaseFactor   = 0.5
)

// Outcome classifies a completed request for the Controller's update
// algorithm. The Controller never interprets an error itself; the Gated
// Service Adapter assigns the outcome before calling Update.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDeferred
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// RttSample is the record Controller.Update consumes. CorrelationID is
// carried for log correlation only; the control loop never reads it.
type RttSample struct {
	StartedAt         time.Time
	CompletedAt       time.Time
	Outcome           Outcome
	InFlightOnAcquire int
	CorrelationID     string
}

// Elapsed returns the sample's wall-clock duration.
func (s RttSample) Elapsed() time.Duration {
	return s.CompletedAt.Sub(s.StartedAt)
}

// ControllerConfig parameterizes a Controller at sink construction.
type ControllerConfig struct {
	MinLimit     int
	MaxLimit     int
	InitialLimit int // zero means MinLimit
	Alpha        float64
	Threshold    float64
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.MinLimit < 1 {
		c.MinLimit = 1
	}
	if c.MaxLimit < c.MinLimit {
		c.MaxLimit = c.MinLimit
	}
	if c.InitialLimit < c.MinLimit {
		c.InitialLimit = c.MinLimit
	}
	if c.InitialLimit > c.MaxLimit {
		c.InitialLimit = c.MaxLimit
	}
	if c.Alpha <= 0 {
		c.Alpha = alphaDefault
	}
	if c.Threshold <= 0 {
		c.Threshold = thresholdDefault
	}
	return c
}

// ControllerStatistics holds the four time-weighted distributions
// exposed to tests and to the Prometheus/Redis export layers.
type ControllerStatistics struct {
	ObservedRTT      *Distribution
	AveragedRTT      *Distribution
	ConcurrencyLimit *Distribution
	InFlight         *Distribution
}

func newControllerStatistics() *ControllerStatistics {
	return &ControllerStatistics{
		ObservedRTT:      NewDistribution(),
		AveragedRTT:      NewDistribution(),
		ConcurrencyLimit: NewDistribution(),
		InFlight:         NewDistribution(),
	}
}

// Permit is the token returned by Controller.Acquire; it must be passed
// to exactly one Update call, and the caller must Release the
// underlying semaphore slot only after that Update call returns. The
// Gated Service Adapter enforces this ordering.
type Permit struct {
	startedAt         time.Time
	inFlightOnAcquire int
}

// Controller owns the concurrency limit, the RTT estimator, and the
// four statistics distributions for a single sink instance. Struct
// shape (mutex-guarded state, an on-change listener hook) is grounded
// on circuitbreaker.go's state machine; the update algorithm itself is
// the AIMD/EWMA/PastRtt/threshold design, not circuitbreaker.go's or
// adaptive_limiter.go's math.
type Controller struct {
	mu sync.Mutex

	minLimit  int
	maxLimit  int
	limit     int
	threshold float64

	inFlight               int
	congestionThisWindow   bool
	estimator              *rttEstimator
	sem                    *DynamicSemaphore
	stats                  *ControllerStatistics
	logger                 *slog.Logger
	onLimitChanged         func(newLimit int)
	poisoned               bool
}

// NewController constructs a Controller at its initial limit and wires
// it to a freshly sized DynamicSemaphore.
func NewController(cfg ControllerConfig, logger *slog.Logger) *Controller {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		minLimit:  cfg.MinLimit,
		maxLimit:  cfg.MaxLimit,
		limit:     cfg.InitialLimit,
		threshold: cfg.Threshold,
		estimator: newRTTEstimator(cfg.Alpha),
		sem:       NewDynamicSemaphore(cfg.InitialLimit),
		stats:     newControllerStatistics(),
		logger:    logger,
	}
	c.stats.ConcurrencyLimit.Observe(float64(c.limit))
	c.stats.InFlight.Observe(0)
	return c
}

// OnLimitChanged registers a callback invoked (outside the Controller's
// lock, on its own goroutine) whenever Update adjusts the limit.
func (c *Controller) OnLimitChanged(fn func(newLimit int)) {
	c.mu.Lock()
	c.onLimitChanged = fn
	c.mu.Unlock()
}

// Closed reports whether the Controller has been poisoned by a panic in
// its own critical section. A closed Controller must not accept
// further Acquire calls.
func (c *Controller) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poisoned
}

// CanAcquire reports whether a permit could be obtained without
// blocking, mirroring VegasLimiter.CanAcquirePermit's non-suspending
// readiness check.
func (c *Controller) CanAcquire() bool {
	if c.Closed() {
		return false
	}
	return c.sem.Available() > 0
}

// Acquire blocks until a permit is available or ctx is done, recording
// the in-flight level reached and the time of acquisition.
func (c *Controller) Acquire(ctx context.Context) (*Permit, error) {
	if c.Closed() {
		return nil, newControllerError(TypeControllerPoisoned, fmt.Errorf("controller is closed"))
	}
	if err := c.sem.Acquire(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.inFlight++
	p := &Permit{startedAt: time.Now(), inFlightOnAcquire: c.inFlight}
	c.stats.InFlight.Observe(float64(c.inFlight))
	c.mu.Unlock()

	return p, nil
}

// Release returns the semaphore permit. Callers must call Update before
// Release for the same Permit; the Gated Service Adapter is the only
// caller and enforces this ordering.
func (c *Controller) Release() {
	c.sem.Release()
}

// Update runs the AIMD algorithm for one completed request. It never
// returns an error except ControllerPoisoned, recovered from a panic in
// its own critical section.
func (c *Controller) Update(p *Permit, outcome Outcome) (sample RttSample, cErr *ControllerError) {
	sample = RttSample{
		StartedAt:         p.startedAt,
		CompletedAt:       time.Now(),
		Outcome:           outcome,
		InFlightOnAcquire: p.inFlightOnAcquire,
	}

	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.poisoned = true
			c.mu.Unlock()
			cErr = newControllerError(TypeControllerPoisoned, fmt.Errorf("controller update panicked: %v", r))
			c.logger.Error("auto-concurrency controller poisoned", "panic", r)
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateLocked(sample)
	return sample, nil
}

func (c *Controller) updateLocked(sample RttSample) {
	// Step 1: decrement in_flight and record it, before the caller
	// releases the actual semaphore permit.
	c.inFlight--
	if c.inFlight < 0 {
		c.inFlight = 0
	}
	c.stats.InFlight.Observe(float64(c.inFlight))

	limitChanged := false

	switch sample.Outcome {
	case OutcomeDeferred, OutcomeDropped:
		// The observed distribution records the caller's experienced
		// latency regardless of outcome, so a timed-out call's elapsed
		// time (its wait up to the per-request timeout) still lands
		// here. The EWMA baseline is left untouched: a dropped request
		// carries no useful RTT signal for estimating the network's
		// current speed, only for detecting congestion, which is
		// already handled by the multiplicative decrease below.
		c.stats.ObservedRTT.Observe(sample.Elapsed().Seconds())

		c.congestionThisWindow = true
		if newLimit := c.clampLimit(int(float64(c.limit) * decreaseFactor)); newLimit != c.limit {
			c.limit = newLimit
			limitChanged = true
		}

	case OutcomeSuccess:
		elapsed := sample.Elapsed()
		c.stats.ObservedRTT.Observe(elapsed.Seconds())
		c.estimator.observe(elapsed)
		c.stats.AveragedRTT.Observe(c.estimator.current().Seconds())

		pressed := sample.InFlightOnAcquire >= c.limit-1
		switch {
		case c.estimator.exceedsBaseline(c.threshold):
			if newLimit := c.clampLimit(c.limit - 1); newLimit != c.limit {
				c.limit = newLimit
				limitChanged = true
			}
		case pressed && !c.congestionThisWindow && c.estimator.withinBaseline(c.threshold):
			if newLimit := c.clampLimit(c.limit + 1); newLimit != c.limit {
				c.limit = newLimit
				limitChanged = true
			}
		}
	}

	if !limitChanged {
		return
	}

	c.stats.ConcurrencyLimit.Observe(float64(c.limit))
	c.estimator.freezeBaseline()
	c.congestionThisWindow = false
	c.sem.SetLimit(c.limit)

	if fn := c.onLimitChanged; fn != nil {
		newLimit := c.limit
		go fn(newLimit)
	}
}

func (c *Controller) clampLimit(n int) int {
	if n < c.minLimit {
		return c.minLimit
	}
	if n > c.maxLimit {
		return c.maxLimit
	}
	return n
}

// CurrentLimit returns the controller's current concurrency limit.
func (c *Controller) CurrentLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// InFlight returns the controller's current in-flight count.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Stats returns the controller's statistics distributions.
func (c *Controller) Stats() *ControllerStatistics {
	return c.stats
}
