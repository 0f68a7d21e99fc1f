package resilience

import "time"

// rttEstimator tracks an exponentially weighted moving average of
// successful round-trip times, plus a slower "past RTT" baseline that
// only moves when the Controller actually adjusts the limit.
//
// Shape grounded on adaptive_limiter.go's RTT-sample tracking; the
// Netflix gradient formula it used to compute a new limit is replaced
// here with the EWMA-vs-PastRtt comparison the auto-concurrency
// Controller needs.
type rttEstimator struct {
	alpha    float64
	ewma     time.Duration
	hasEwma  bool
	pastRTT  time.Duration
	hasPast  bool
}

func newRTTEstimator(alpha float64) *rttEstimator {
	return &rttEstimator{alpha: alpha}
}

// observe folds a successful sample's elapsed time into the EWMA. The
// first sample seeds the average outright.
func (e *rttEstimator) observe(elapsed time.Duration) {
	if !e.hasEwma {
		e.ewma = elapsed
		e.hasEwma = true
		return
	}
	e.ewma = time.Duration(e.alpha*float64(elapsed) + (1-e.alpha)*float64(e.ewma))
}

// current returns the current EWMA value; zero if no sample has ever
// been observed.
func (e *rttEstimator) current() time.Duration {
	return e.ewma
}

// freezeBaseline sets PastRtt to the current EWMA. Called only when the
// Controller actually changes the limit, so PastRtt is a stable
// reference across the interval between adjustments.
func (e *rttEstimator) freezeBaseline() {
	e.pastRTT = e.ewma
	e.hasPast = true
}

// exceedsBaseline reports whether the current EWMA exceeds the frozen
// PastRtt baseline by more than threshold (a fraction, e.g. 0.1 for
// 10%). Before any baseline has been frozen, the link is assumed
// healthy (no congestion signal) so the limit can climb from its
// initial value.
func (e *rttEstimator) exceedsBaseline(threshold float64) bool {
	if !e.hasPast || e.pastRTT == 0 {
		return false
	}
	return float64(e.ewma) > float64(e.pastRTT)*(1+threshold)
}

// withinBaseline reports whether the current EWMA is at or below the
// frozen PastRtt baseline inflated by threshold. Before any baseline
// has been frozen this is true, since there is nothing to compare
// against and the feedback loop is expected to probe upward.
func (e *rttEstimator) withinBaseline(threshold float64) bool {
	if !e.hasPast || e.pastRTT == 0 {
		return true
	}
	return float64(e.ewma) <= float64(e.pastRTT)*(1+threshold)
}
