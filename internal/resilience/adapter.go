package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// InnerService is the abstract downstream surface the Gated Service
// Adapter gates: a request-handling function accepting a batch of
// events (or any request type) and returning a response or an error.
// The Controller never sees Req/Resp; it only ever sees an Outcome.
type InnerService[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// IsRetriable classifies an inner error as a transient congestion
// signal the downstream can recover from (true) versus a fatal,
// non-retriable error (false). The Controller does not interpret error
// semantics itself; GatedService does, through this predicate.
type IsRetriable func(error) bool

// GatedService wraps an InnerService with Controller-gated admission.
// Call acquires a permit, invokes the inner service, classifies the
// result, updates the Controller, then releases the permit -- strictly
// in that order: update before release, never the reverse.
//
// Acquire/invoke/record/release shape is grounded on vegaslimiter.go's
// AcquirePermit-then-record pattern; the admission decision itself
// comes from this package's Controller rather than a gradient limiter.
type GatedService[Req, Resp any] struct {
	controller  *Controller
	inner       InnerService[Req, Resp]
	isRetriable IsRetriable
	timeout     time.Duration
	dedupe      *gocache.Cache
	logger      *slog.Logger
}

// GatedServiceOption configures optional GatedService behavior.
type GatedServiceOption[Req, Resp any] func(*GatedService[Req, Resp])

// WithTimeout sets the per-call timeout; zero disables it.
func WithTimeout[Req, Resp any](d time.Duration) GatedServiceOption[Req, Resp] {
	return func(g *GatedService[Req, Resp]) { g.timeout = d }
}

// WithLogger overrides the adapter's logger.
func WithLogger[Req, Resp any](logger *slog.Logger) GatedServiceOption[Req, Resp] {
	return func(g *GatedService[Req, Resp]) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGatedService builds an adapter around inner, gated by controller.
// isRetriable may be nil, in which case every inner error is treated as
// fatal (Dropped for limit purposes).
func NewGatedService[Req, Resp any](controller *Controller, inner InnerService[Req, Resp], isRetriable IsRetriable, opts ...GatedServiceOption[Req, Resp]) *GatedService[Req, Resp] {
	if isRetriable == nil {
		isRetriable = func(error) bool { return false }
	}
	g := &GatedService[Req, Resp]{
		controller:  controller,
		inner:       inner,
		isRetriable: isRetriable,
		dedupe:      gocache.New(30*time.Second, time.Minute),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CanAcquire reports whether Call could proceed past admission without
// suspending; the non-blocking poll_ready equivalent.
func (g *GatedService[Req, Resp]) CanAcquire() bool {
	return g.controller.CanAcquire()
}

// Closed reports whether the underlying Controller has been poisoned
// and is refusing further calls.
func (g *GatedService[Req, Resp]) Closed() bool {
	return g.controller.Closed()
}

// Call acquires a permit, invokes the inner service, classifies and
// records the outcome, then releases the permit. The inner result is
// returned to the caller unchanged; only the Outcome classification is
// consumed by the Controller.
func (g *GatedService[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	permit, err := g.controller.Acquire(ctx)
	if err != nil {
		return zero, err
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	correlationID := uuid.NewString()
	resp, innerErr := g.inner(callCtx, req)

	outcome := g.classify(ctx, callCtx, innerErr)

	sample, cErr := g.controller.Update(permit, outcome)
	sample.CorrelationID = correlationID
	g.controller.Release()

	if cErr != nil {
		g.logger.Error("auto-concurrency controller poisoned during update",
			"correlation_id", correlationID, "error", cErr)
		return zero, cErr
	}

	if innerErr != nil {
		g.logFailure(correlationID, outcome, innerErr)
		return zero, innerErr
	}

	return resp, nil
}

// classify turns an inner result into an Outcome. Cancellation or
// timeout of the call context always reads as Dropped, regardless of
// what the inner service itself returned -- this is what makes
// cancellation safe (S6): the permit and statistics are always
// accounted, even when the caller stopped waiting.
func (g *GatedService[Req, Resp]) classify(ctx, callCtx context.Context, innerErr error) Outcome {
	if ctx.Err() != nil || callCtx.Err() != nil {
		return OutcomeDropped
	}
	if innerErr == nil {
		return OutcomeSuccess
	}
	if errors.Is(innerErr, context.Canceled) || errors.Is(innerErr, context.DeadlineExceeded) {
		return OutcomeDropped
	}
	if g.isRetriable(innerErr) {
		return OutcomeDeferred
	}
	// Fatal, non-retriable errors are still accounted as Dropped for
	// limit purposes: the elapsed time doesn't reflect a
	// healthy measurement, but the error itself is returned unchanged.
	return OutcomeDropped
}

func (g *GatedService[Req, Resp]) logFailure(correlationID string, outcome Outcome, err error) {
	key := err.Error()
	if _, seen := g.dedupe.Get(key); seen {
		return
	}
	g.dedupe.Set(key, struct{}{}, gocache.DefaultExpiration)
	g.logger.Warn("gated service call did not succeed",
		"outcome", outcome.String(), "correlation_id", correlationID, "error", err)
}
