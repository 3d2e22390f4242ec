package h2egress

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// OutputAborter is notified when a RateWatchdog detects that output is
// proceeding below the configured minimum rate. It is typically wired
// to Engine.Abort.
type OutputAborter interface {
	AbortOutput(err error)
}

// OutputAborterFunc adapts a plain function to OutputAborter.
type OutputAborterFunc func(err error)

func (f OutputAborterFunc) AbortOutput(err error) { f(err) }

// RateWatchdog enforces a minimum sustained output rate on a single
// response, the way Kestrel's MinimumDataRateFeature does for its
// response body. It measures wall-clock time only across segments that
// are actually eligible to make progress: time spent blocked waiting
// for flow-control credit is excluded via Pause/Resume, so a slow
// client with a healthy connection doesn't trip a rate built for
// server-side stalls.
//
// Grounded on the teacher's use of a single injected clock seam
// (serverConn's timers) generalized here to clockwork.Clock so tests
// can drive time deterministically with clockwork.NewFakeClock.
type RateWatchdog struct {
	clock     clockwork.Clock
	minRate   float64 // bytes per second
	grace     time.Duration
	aborter   OutputAborter

	running    bool
	segStart   time.Time
	active     time.Duration
	bytesSoFar int64
}

// NewRateWatchdog returns a watchdog enforcing minRate bytes/second,
// allowing an initial grace period during which no violation is
// reported regardless of measured rate.
func NewRateWatchdog(clock clockwork.Clock, minRate float64, grace time.Duration, aborter OutputAborter) *RateWatchdog {
	return &RateWatchdog{
		clock:   clock,
		minRate: minRate,
		grace:   grace,
		aborter: aborter,
	}
}

// Start begins timing a fresh response. Safe to call again after
// StopAndCheck to reuse the watchdog for the next response on a
// connection.
func (r *RateWatchdog) Start() {
	r.running = true
	r.segStart = r.clock.Now()
	r.active = 0
	r.bytesSoFar = 0
}

// Pause stops accumulating active time, e.g. while the engine is
// blocked in waitForEitherCredit. A no-op if not running or already
// paused.
func (r *RateWatchdog) Pause() {
	if !r.running || r.segStart.IsZero() {
		return
	}
	r.active += r.clock.Now().Sub(r.segStart)
	r.segStart = time.Time{}
}

// Resume resumes accumulating active time after a Pause.
func (r *RateWatchdog) Resume() {
	if !r.running || !r.segStart.IsZero() {
		return
	}
	r.segStart = r.clock.Now()
}

// Observe records that n additional bytes have been written since
// Start, without stopping the watchdog.
func (r *RateWatchdog) Observe(n int) {
	r.bytesSoFar += int64(n)
}

// StopAndCheck finalizes the current segment, folding in any bytes
// written in this last call, and reports ErrRateTooSlow (also routed
// to the configured OutputAborter) if the sustained rate over the
// active (non-paused) duration fell below minRate once the grace
// period has elapsed.
func (r *RateWatchdog) StopAndCheck(bytesWritten int) error {
	r.Observe(bytesWritten)
	if !r.segStart.IsZero() {
		r.active += r.clock.Now().Sub(r.segStart)
		r.segStart = time.Time{}
	}
	r.running = false

	if r.active <= r.grace || r.minRate <= 0 {
		return nil
	}
	elapsed := r.active - r.grace
	minBytes := r.minRate * elapsed.Seconds()
	if float64(r.bytesSoFar) < minBytes {
		if r.aborter != nil {
			r.aborter.AbortOutput(ErrRateTooSlow)
		}
		return ErrRateTooSlow
	}
	return nil
}
