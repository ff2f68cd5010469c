// Package router implements the event router (component E): the
// monitor's main loop. It blocks for the next wait() outcome across
// every traced process, demultiplexes it into the rule table from spec
// §4.E, and dispatches: tracking spawners, launching one-shot child
// inspectors, and forwarding signals the monitor doesn't care about.
package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/veilkit/procmon/internal/attachset"
	"github.com/veilkit/procmon/internal/procfs"
	"github.com/veilkit/procmon/internal/registry"
	"github.com/veilkit/procmon/internal/tracer"
)

// InspectorLauncher starts a one-shot inspection of a forked child on
// its own goroutine. internal/inspector.Inspector satisfies this.
type InspectorLauncher interface {
	Inspect(ctx context.Context, pid int, spawnerPID int)
}

// Router is the event router (component E). It owns no state beyond
// what it's given: the registry and bitmap it mutates belong to the
// monitor, and per spec invariant 4 only the monitor's single event-loop
// goroutine, where the router and the discovery engine both run, writes
// to them outside teardown.
type Router struct {
	tr      tracer.Tracer
	reg     *registry.Registry
	bitmap  *attachset.Bitmap
	insp    InspectorLauncher
	logger  *slog.Logger

	// OnSpawnerRemoved, if set, is invoked synchronously after a
	// spawner is removed from the registry (trace-exit or any other
	// terminal ptrace event), so the caller can re-arm the periodic
	// rescan timer per spec invariant 3 without the router importing
	// the discovery/timer machinery itself.
	OnSpawnerRemoved func(pid int)
}

// New constructs a Router from its collaborators.
func New(tr tracer.Tracer, reg *registry.Registry, bitmap *attachset.Bitmap, insp InspectorLauncher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{tr: tr, reg: reg, bitmap: bitmap, insp: insp, logger: logger}
}

// Outcome reports what RouteOnce found, letting a standalone caller
// decide whether to call Wait again immediately or to block on other
// event sources instead. internal/monitor ignores it: its tracer.Pump
// parks on ECHILD by itself.
type Outcome int

const (
	// OutcomeProcessed means a wait result was fully dispatched; the
	// caller should call RouteOnce again immediately.
	OutcomeProcessed Outcome = iota
	// OutcomeNoChildren means Wait returned ECHILD: there is nothing
	// left to wait for, and the caller should block until a timer
	// tick, inotify event, or termination request arrives.
	OutcomeNoChildren
)

// RouteOnce blocks for a single wait() outcome directly via the tracer
// and dispatches it. It exists for tests and any standalone caller that
// doesn't share a tracer.Pump with another consumer; production wiring
// (internal/monitor) instead pulls outcomes from a shared pump and calls
// Route directly, since waitpid(-1, ...) must never be called from two
// goroutines at once (spec invariant 4).
func (r *Router) RouteOnce(ctx context.Context) (Outcome, error) {
	result, err := r.tr.Wait()
	return r.Route(ctx, result, err)
}

// Route dispatches a single already-obtained wait outcome per the spec
// §4.E rule table. ctx is forwarded to any inspector launched as a
// result of a fork/vfork event.
func (r *Router) Route(ctx context.Context, result tracer.WaitResult, err error) (Outcome, error) {
	if err != nil {
		if errors.Is(err, tracer.ECHILD) {
			return OutcomeNoChildren, nil
		}
		r.logger.Warn("proc_monitor: wait failed", slog.Any("error", err))
		return OutcomeProcessed, err
	}

	switch {
	case !result.Stopped:
		// Not a ptrace-stop: the pid has exited or been terminated by
		// a signal. Detach is best-effort (the kernel has likely
		// already reaped it); clean up our own bookkeeping so
		// invariant 1 (bit set implies live attachment) keeps holding.
		r.forgetAndDetach(result.PID)

	case result.IsEventStop():
		r.routeEventStop(ctx, result)

	case result.IsSignalStop() && result.StopSignal == tracer.SIGSTOP:
		r.routeSigstop(result.PID)

	default:
		// Signal-delivery-stop for any other signal: forward it.
		if err := r.tr.Cont(result.PID, result.StopSignal); err != nil {
			r.logger.Info("proc_monitor: forwarding signal failed, pid likely gone",
				slog.Int("pid", result.PID), slog.Any("error", err))
		}
	}

	return OutcomeProcessed, nil
}

func (r *Router) routeEventStop(ctx context.Context, result tracer.WaitResult) {
	pid := result.PID
	known := r.reg.Contains(pid)

	if !known {
		_ = r.tr.Detach(pid, 0)
		return
	}

	switch result.PtraceEvent {
	case tracer.EventFork, tracer.EventVfork:
		r.handleFork(ctx, pid)
	default:
		// Exit or any other terminal ptrace event for a known spawner.
		r.forgetAndDetach(pid)
	}
}

// handleFork processes a fork/vfork ptrace-event-stop on a known
// spawner: reads the new child's pid, detaches it from the spawner's
// trace so it runs free, launches a one-shot inspector for it, and
// resumes the spawner.
func (r *Router) handleFork(ctx context.Context, spawnerPID int) {
	childPID64, err := r.tr.GetEventMsg(spawnerPID)
	if err != nil {
		r.logger.Warn("proc_monitor: get-event-msg failed on fork event", slog.Int("spawner_pid", spawnerPID), slog.Any("error", err))
		_ = r.tr.Cont(spawnerPID, 0)
		return
	}
	childPID := int(childPID64)

	// The child is not yet a confirmed application process; it is not
	// currently expecting a stop-notification from us, so clear any
	// stale bit before handing it to the inspector.
	r.bitmap.ClearSafe(childPID)

	if err := r.tr.Detach(childPID, 0); err != nil {
		r.logger.Info("proc_monitor: detaching forked child failed, process likely gone",
			slog.Int("child_pid", childPID), slog.Any("error", err))
	}

	r.logger.Info("proc_monitor: spawner forked child, dispatching inspector",
		slog.Int("spawner_pid", spawnerPID), slog.Int("child_pid", childPID))
	go r.insp.Inspect(ctx, childPID, spawnerPID)

	if err := r.tr.Cont(spawnerPID, 0); err != nil {
		r.logger.Warn("proc_monitor: resuming spawner after fork failed", slog.Int("spawner_pid", spawnerPID), slog.Any("error", err))
	}
}

// routeSigstop handles a signal-delivery-stop carrying SIGSTOP: the
// moment a traced clone/exec target (or a process that inherited
// tracing from a spawner) identifies itself. If it is already a
// tracked pid or a confirmed thread-group leader, install application
// trace options and resume it as a confirmed app process; otherwise
// (a non-leader thread) detach it — only the leader is tracked.
func (r *Router) routeSigstop(pid int) {
	leader := r.confirmProcess(pid)
	if r.bitmap.TestSafe(pid) || leader {
		if err := r.tr.SetOptions(pid, tracer.AppOptions); err != nil {
			r.logger.Info("proc_monitor: set-options failed on confirmed process, pid likely gone",
				slog.Int("pid", pid), slog.Any("error", err))
			r.bitmap.ClearSafe(pid)
			return
		}
		r.bitmap.SetSafe(pid)
		if err := r.tr.Cont(pid, 0); err != nil {
			r.logger.Info("proc_monitor: resume failed on confirmed process, pid likely gone", slog.Int("pid", pid), slog.Any("error", err))
		}
		return
	}

	// Not the thread-group leader: only the leader is tracked.
	r.bitmap.ClearSafe(pid)
	_ = r.tr.Detach(pid, 0)
}

// confirmProcess reads pid's thread-group id and reports whether pid
// is its own thread-group leader, per spec §4.E's "confirm process". A
// status file that can't be opened means the pid is already dead.
func (r *Router) confirmProcess(pid int) bool {
	tgid, err := procfs.ThreadGroupID(pid)
	if err != nil {
		return false
	}
	return tgid == pid
}

// forgetAndDetach drops pid from the registry and bitmap and detaches
// it best-effort. OnSpawnerRemoved only fires when pid was actually a
// tracked spawner, so callers don't re-arm the rescan timer over an
// ordinary confirmed app process exiting.
func (r *Router) forgetAndDetach(pid int) {
	wasSpawner := r.reg.Contains(pid)
	r.reg.Forget(pid)
	r.bitmap.ClearSafe(pid)
	_ = r.tr.Detach(pid, 0)
	if wasSpawner && r.OnSpawnerRemoved != nil {
		r.OnSpawnerRemoved(pid)
	}
}
