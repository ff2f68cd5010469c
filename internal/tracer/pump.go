package tracer

import (
	"context"
	"errors"
)

// WaitOutcome pairs the result of a single Wait call with any error, so
// it can travel over a channel instead of being returned directly.
type WaitOutcome struct {
	Result WaitResult
	Err    error
}

// Pump is the sole caller of a Tracer's Wait method for the life of a
// monitor run. waitpid(-1, ...) has exactly one legitimate caller: every
// consumer of wait outcomes (the event router's dispatch loop, and
// discovery's adopt-time wait for a newly-attached spawner's initial
// stop) must receive them from Pump's channel rather than calling Wait
// themselves, or two goroutines could race to reap the same event.
//
// Pump's own call into Wait cannot itself be interrupted by a context —
// that is a property of the underlying wait4(2) syscall, not something
// Go can cancel — but everything downstream of Pump can always react to
// a termination signal, a timer, or a filesystem event without blocking
// inside that syscall, which is the property spec §9's single-consumer
// redesign needs.
type Pump struct {
	tr   Tracer
	out  chan WaitOutcome
	wake chan struct{}
}

// NewPump constructs a Pump over tr. Call Run once, on its own
// goroutine, to start feeding Out.
func NewPump(tr Tracer) *Pump {
	return &Pump{tr: tr, out: make(chan WaitOutcome), wake: make(chan struct{}, 1)}
}

// Out is the channel of wait outcomes. It is never closed; once the
// context passed to Run is done, Pump simply stops sending to it, so
// callers should select on Out alongside their own cancellation signal
// rather than ranging over it.
func (p *Pump) Out() <-chan WaitOutcome { return p.out }

// Wake unblocks a Pump that is parked after observing ECHILD (no
// tracees at all), so it retries Wait immediately instead of waiting
// indefinitely for a future call that would never come on its own.
// Callers must invoke Wake right after successfully attaching the first
// tracee of a previously-empty tracee set (internal/discovery does this
// after every successful Attach).
func (p *Pump) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run calls the underlying Tracer's Wait in a loop, forwarding every
// outcome on Out, until ctx is done. When Wait reports ECHILD (no
// tracees at all), Run parks on Wake rather than spinning, since
// wait4(-1, ...) returns ECHILD immediately rather than blocking in
// that state.
func (p *Pump) Run(ctx context.Context) {
	for {
		res, err := p.tr.Wait()
		select {
		case p.out <- WaitOutcome{Result: res, Err: err}:
		case <-ctx.Done():
			return
		}

		if errors.Is(err, ECHILD) {
			select {
			case <-p.wake:
			case <-ctx.Done():
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
	}
}
