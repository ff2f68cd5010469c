// Package inspector implements the child inspector (component F): a
// one-shot, per-forked-child worker that waits for the child's mount
// namespace to separate from its spawner, classifies it, and either
// resumes it or hands it to the external hiding daemon. Per spec §4.F
// this must run exactly once per forked child, on its own goroutine,
// and must always leave the child either resumed or handed off -
// never both, never neither.
package inspector

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/veilkit/procmon/internal/hiding"
	"github.com/veilkit/procmon/internal/procfs"
	"github.com/veilkit/procmon/internal/registry"
	"github.com/veilkit/procmon/internal/tracer"
)

// preInitCmdline is the placeholder cmdline value Zygote/spawner-forked
// children briefly report before exec swaps in the real command line
// (spec §4.F step 2).
const preInitCmdline = "<pre-initialized>"

// Decision is the outcome of one inspection run, recorded by the audit
// log (internal/audit) as its reason tag.
type Decision string

const (
	DecisionResumedNotTarget    Decision = "resumed_not_target"
	DecisionResumedNSNotSeparated Decision = "resumed_ns_not_separated"
	DecisionHandedToHideDaemon  Decision = "handed_to_hide_daemon"
	DecisionSkippedExcluded     Decision = "skipped_excluded"
	DecisionSkippedTimeout      Decision = "skipped_timeout"
	DecisionSkippedGone         Decision = "skipped_gone"
)

// Recorder is notified of every inspection's outcome, decoupling this
// package from internal/audit so it can be tested without a log file.
type Recorder interface {
	Record(pid int, uid int, cmdline string, decision Decision)
}

// NopRecorder discards every decision.
type NopRecorder struct{}

// Record does nothing.
func (NopRecorder) Record(pid int, uid int, cmdline string, decision Decision) {}

// ProcessReader abstracts the per-pid procfs reads step 1/2 need,
// satisfied in production by the internal/procfs package functions and
// by a fake in tests, so inspection logic can be exercised without a
// real /proc tree.
type ProcessReader interface {
	UID(pid int) (int, error)
	Cmdline(pid int) (string, error)
	MountNamespace(pid int) (procfs.Fingerprint, error)
}

// defaultProcessReader adapts the internal/procfs package functions to
// ProcessReader.
type defaultProcessReader struct{}

func (defaultProcessReader) UID(pid int) (int, error)                         { return procfs.UID(pid) }
func (defaultProcessReader) Cmdline(pid int) (string, error)                  { return procfs.Cmdline(pid) }
func (defaultProcessReader) MountNamespace(pid int) (procfs.Fingerprint, error) { return procfs.MountNamespace(pid) }

// Config bounds the inspector's polling loops, per spec §4.F step 1/2
// and §9's "make the cap configurable" design note.
type Config struct {
	PollInterval     time.Duration
	MaxPollAttempts  int
	HideConfidence   int
	ExcludedCommands []string
}

// Inspector runs one-shot inspections of forked children on worker
// goroutines spawned by the event router (component E).
type Inspector struct {
	tracer     tracer.Tracer
	reg        *registry.Registry
	reader     ProcessReader
	classifier hiding.TargetClassifier
	hideDaemon hiding.HideDaemon
	recorder   Recorder
	logger     *slog.Logger
	cfg        Config
}

// New builds an Inspector from its collaborators and configuration,
// using the real /proc tree for process metadata.
func New(tr tracer.Tracer, reg *registry.Registry, classifier hiding.TargetClassifier, hideDaemon hiding.HideDaemon, recorder Recorder, logger *slog.Logger, cfg Config) *Inspector {
	return NewWithReader(tr, reg, defaultProcessReader{}, classifier, hideDaemon, recorder, logger, cfg)
}

// NewWithReader builds an Inspector with an explicit ProcessReader,
// used by tests to substitute a fake /proc.
func NewWithReader(tr tracer.Tracer, reg *registry.Registry, reader ProcessReader, classifier hiding.TargetClassifier, hideDaemon hiding.HideDaemon, recorder Recorder, logger *slog.Logger, cfg Config) *Inspector {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{
		tracer:     tr,
		reg:        reg,
		reader:     reader,
		classifier: classifier,
		hideDaemon: hideDaemon,
		recorder:   recorder,
		logger:     logger,
		cfg:        cfg,
	}
}

// backoffFor builds the bounded constant-interval retry policy shared
// by both polling loops in Inspect: a fixed interval with a hard
// attempt cap, replacing spec §4.F's raw "10 µs back-off, 300000
// iterations" loops with github.com/cenkalti/backoff/v4's
// ConstantBackOff + WithMaxRetries, per SPEC_FULL.md's DOMAIN STACK.
func (in *Inspector) backoffFor(ctx context.Context) backoff.BackOff {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(in.cfg.PollInterval), uint64(in.cfg.MaxPollAttempts))
	return backoff.WithContext(b, ctx)
}

var errNotYet = errors.New("inspector: condition not yet satisfied")

// Inspect runs the full inspection of pid, the child most recently
// forked by spawner spawnerPID, per spec §4.F steps 1-8. It must be
// called on its own goroutine, once per forked child (spec §5's
// "one-per-fork" worker model).
func (in *Inspector) Inspect(ctx context.Context, pid int, spawnerPID int) {
	log := in.logger.With(slog.Int("pid", pid), slog.Int("spawner_pid", spawnerPID))

	// Step 1: wait for the child's mount namespace to diverge from
	// every known spawner's fingerprint. Per invariant 4 a timeout here
	// still ends in exactly one SIGCONT, never a silent drop.
	fp, separated := in.waitForSeparation(ctx, pid)
	if !separated {
		log.Info("proc_monitor: inspector timed out waiting for namespace separation, skipping")
		in.resume(pid, log)
		in.recorder.Record(pid, -1, "", DecisionSkippedTimeout)
		return
	}

	// Step 2: read uid and cmdline, re-reading cmdline while it is
	// still the pre-init placeholder.
	uid, err := in.reader.UID(pid)
	if err != nil {
		log.Info("proc_monitor: inspector: process gone before uid read", slog.Any("error", err))
		in.resume(pid, log)
		in.recorder.Record(pid, -1, "", DecisionSkippedGone)
		return
	}
	cmdline, ok := in.waitForCmdline(ctx, pid)
	if !ok {
		log.Info("proc_monitor: inspector timed out waiting for cmdline, treating as not a target")
		in.resume(pid, log)
		in.recorder.Record(pid, uid, "", DecisionSkippedTimeout)
		return
	}

	// Step 3: exclusions.
	if in.excluded(uid, cmdline) {
		log.Info("proc_monitor: inspector skipping excluded process", slog.Int("uid", uid), slog.String("cmdline", cmdline))
		in.resume(pid, log)
		in.recorder.Record(pid, uid, cmdline, DecisionSkippedExcluded)
		return
	}

	// Step 4: freeze the child.
	if err := in.tracer.Kill(pid, tracer.SIGSTOP); err != nil {
		log.Info("proc_monitor: inspector: SIGSTOP failed, process likely gone", slog.Any("error", err))
		in.resume(pid, log)
		in.recorder.Record(pid, uid, cmdline, DecisionSkippedGone)
		return
	}

	// Step 5: classify.
	isTarget := in.classifier.IsHideTarget(uid, cmdline, in.cfg.HideConfidence)

	// Step 6: not a target, resume and return.
	if !isTarget {
		in.resume(pid, log)
		in.recorder.Record(pid, uid, cmdline, DecisionResumedNotTarget)
		return
	}

	// Step 7: re-check namespace separation right before handing off;
	// a spawner fingerprint may have caught up in the interim.
	if in.reg.AnySharesNS(fp) {
		log.Info("proc_monitor: inspector skipping, namespace re-matched a spawner after classification", slog.Int("uid", uid), slog.String("cmdline", cmdline))
		in.resume(pid, log)
		in.recorder.Record(pid, uid, cmdline, DecisionResumedNSNotSeparated)
		return
	}

	// Step 8: hand off. The hide daemon owns resuming (or killing)
	// the child from here; this inspector never resumes it itself.
	log.Info("proc_monitor: inspector handing child to hide daemon", slog.Int("uid", uid), slog.String("cmdline", cmdline))
	if err := in.hideDaemon.Hide(ctx, pid); err != nil {
		log.Warn("proc_monitor: hide daemon returned an error", slog.Any("error", err))
	}
	in.recorder.Record(pid, uid, cmdline, DecisionHandedToHideDaemon)
}

// waitForSeparation polls pid's mount namespace fingerprint until it
// no longer matches any known spawner's, or the attempt budget is
// exhausted. It returns the fingerprint actually observed.
func (in *Inspector) waitForSeparation(ctx context.Context, pid int) (procfs.Fingerprint, bool) {
	var fp procfs.Fingerprint
	op := func() error {
		f, err := in.reader.MountNamespace(pid)
		if err != nil {
			// The child may have exited; treat like "not separated
			// yet" so the bounded retry eventually gives up cleanly.
			return errNotYet
		}
		if in.reg.AnySharesNS(f) {
			return errNotYet
		}
		fp = f
		return nil
	}
	err := backoff.Retry(op, in.backoffFor(ctx))
	return fp, err == nil
}

// waitForCmdline polls pid's cmdline until it stops reading the
// pre-initialized placeholder, or the attempt budget is exhausted.
func (in *Inspector) waitForCmdline(ctx context.Context, pid int) (string, bool) {
	var cmdline string
	op := func() error {
		c, err := in.reader.Cmdline(pid)
		if err != nil {
			return errNotYet
		}
		if c == preInitCmdline || c == "" {
			return errNotYet
		}
		cmdline = c
		return nil
	}
	err := backoff.Retry(op, in.backoffFor(ctx))
	return cmdline, err == nil
}

// excluded reports whether uid/cmdline names a process that must
// never be hidden from: root itself, the spawner binary, or a
// pre-warmed helper (spec §4.F step 3).
func (in *Inspector) excluded(uid int, cmdline string) bool {
	if uid == 0 {
		return true
	}
	for _, excl := range in.cfg.ExcludedCommands {
		if excl != "" && strings.Contains(cmdline, excl) {
			return true
		}
	}
	return false
}

func (in *Inspector) resume(pid int, log *slog.Logger) {
	if err := in.tracer.Kill(pid, tracer.SIGCONT); err != nil {
		log.Info("proc_monitor: inspector: SIGCONT failed, process likely already gone", slog.Any("error", err))
	}
}
