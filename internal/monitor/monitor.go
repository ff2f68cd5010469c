// Package monitor wires the spawner registry, attachment bitmap,
// discovery engine, event router, filesystem watcher, and decision
// recorder into the single orchestrator described by spec §2/§9. It
// implements the channel-merge redesign §9 calls for in place of the
// source's signal-handler-mutated-state approach: one consumer
// goroutine is the sole mutator of the registry and bitmap, driven by
// a select over a rescan ticker, a filesystem-watch event channel, a
// shared tracer.Pump's wait-outcome channel, and a termination context
// — mirroring the teacher's Agent.Start/Stop lifecycle
// (internal/agent/agent.go). Wait outcomes are pumped onto a channel
// rather than fetched with a direct, blocking Tracer.Wait call from
// inside the select's body: a raw wait4(2) call cannot be interrupted
// by ctx, so if the consumer goroutine ever called it directly, Stop
// could hang until the next unrelated trace event arrived. Routing it
// through tracer.Pump means the consumer goroutine only ever blocks in
// a select it can always escape; the pump goroutine itself may still be
// parked inside the real syscall when Stop returns; it is abandoned
// harmlessly the way the teacher abandons the wait4 loop.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/veilkit/procmon/internal/attachset"
	"github.com/veilkit/procmon/internal/config"
	"github.com/veilkit/procmon/internal/discovery"
	"github.com/veilkit/procmon/internal/fswatch"
	"github.com/veilkit/procmon/internal/hiding"
	"github.com/veilkit/procmon/internal/inspector"
	"github.com/veilkit/procmon/internal/procfs"
	"github.com/veilkit/procmon/internal/registry"
	"github.com/veilkit/procmon/internal/router"
	"github.com/veilkit/procmon/internal/tracer"
)

// Collaborators bundles every external dependency the monitor needs.
// Watcher, Classifier, HideDaemon, UIDMapUpdater, and Recorder may be
// left nil: a reference no-op stands in (spec §1 treats the hiding
// daemon and classifier as out-of-scope collaborators; a nil Watcher
// means the monitor runs on the rescan timer alone, per spec §7's
// "inotify initialization failure... continues without filesystem
// watches").
type Collaborators struct {
	Tracer        tracer.Tracer
	Crawler       procfs.Crawler
	Watcher       fswatch.Watcher
	Classifier    hiding.TargetClassifier
	HideDaemon    hiding.HideDaemon
	UIDMapUpdater hiding.UIDMapUpdater
	Recorder      inspector.Recorder
}

// Monitor is the top-level orchestrator (the "monitor thread" of spec
// §3's data model). Build one with New and drive its lifecycle with
// Start/Stop.
type Monitor struct {
	cfg    *config.Config
	logger *slog.Logger

	tr            tracer.Tracer
	crawler       procfs.Crawler
	watcher       fswatch.Watcher
	uidMapUpdater hiding.UIDMapUpdater

	reg    *registry.Registry
	bitmap *attachset.Bitmap

	discoveryEngine *discovery.Engine
	eventRouter     *router.Router

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	loopWg  sync.WaitGroup
}

// New constructs a Monitor from cfg and its collaborators. Any nil
// optional collaborator is replaced with a reference no-op so the
// monitor still runs (useful for tests and for hosts where the hiding
// subsystem isn't wired yet).
func New(cfg *config.Config, c Collaborators, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if c.Classifier == nil {
		c.Classifier = hiding.AlwaysMissClassifier{}
	}
	if c.HideDaemon == nil {
		c.HideDaemon = hiding.LoggingHideDaemon{Tracer: c.Tracer, Logger: logger}
	}
	if c.UIDMapUpdater == nil {
		c.UIDMapUpdater = hiding.NoopUIDMapUpdater{}
	}
	if c.Recorder == nil {
		c.Recorder = inspector.NopRecorder{}
	}
	if c.Crawler == nil {
		c.Crawler = procfs.DefaultCrawler{}
	}

	reg := registry.New()
	bitmap := attachset.New()

	insp := inspector.New(c.Tracer, reg, c.Classifier, c.HideDaemon, c.Recorder, logger, inspector.Config{
		PollInterval:     cfg.Inspector.PollInterval,
		MaxPollAttempts:  cfg.Inspector.MaxPollAttempts,
		HideConfidence:   cfg.Inspector.HideConfidence,
		ExcludedCommands: append([]string{cfg.Discovery.CommandPrefix}, cfg.Inspector.ExcludedCommands...),
	})

	eventRouter := router.New(c.Tracer, reg, bitmap, insp, logger)
	discoveryEngine := discovery.New(reg, c.Tracer, c.Crawler, cfg.Discovery.CommandPrefix, logger)

	m := &Monitor{
		cfg:             cfg,
		logger:          logger,
		tr:              c.Tracer,
		crawler:         c.Crawler,
		watcher:         c.Watcher,
		uidMapUpdater:   c.UIDMapUpdater,
		reg:             reg,
		bitmap:          bitmap,
		discoveryEngine: discoveryEngine,
		eventRouter:     eventRouter,
	}

	// eventRouter.OnSpawnerRemoved is wired in run, not here: it must
	// close over that specific run's own rearm closure (a fresh local
	// function created on every Start) to actually re-arm the ticker
	// per spec invariant 3, rather than merely logging the loss.

	return m
}

// Start performs the boot-phase scan (spec §2: "a boot phase runs D
// once"), starts the filesystem watcher if one was provided, and
// launches the single consumer goroutine that owns the registry and
// bitmap for the remainder of the monitor's life. Start returns once
// the boot scan has completed; it does not block on the consumer
// loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor: already running")
	}
	m.running = true
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	var watcherEvents <-chan fswatch.Event
	if m.watcher != nil {
		dbPath := filepath.Join(m.cfg.Watch.PackageDBDir, m.cfg.Watch.PackageDBFile)
		if err := m.watcher.Start(dbPath, m.cfg.Watch.SpawnerExecutables); err != nil {
			m.logger.Warn("proc_monitor: fswatch failed to start, continuing on rescan timer only", slog.Any("error", err))
		} else {
			watcherEvents = m.watcher.Events()
		}
	}

	// The pump is the sole caller of Tracer.Wait for the remainder of
	// this run (spec invariant 4): both the event router's dispatch and
	// discovery's adopt-time wait for a new spawner's initial stop must
	// pull from its channel instead of calling Wait themselves, or two
	// goroutines could race to reap the same trace event.
	pump := tracer.NewPump(m.tr)
	m.discoveryEngine.UseWaitSource(func() (tracer.WaitResult, error) {
		out := <-pump.Out()
		if errors.Is(out.Err, tracer.ECHILD) {
			// An ECHILD the pump read before this attach is stale; the
			// Wake sent after the attach makes it wait again.
			out = <-pump.Out()
		}
		return out.Result, out.Err
	}, pump.Wake)
	go pump.Run(runCtx)

	done := m.discoveryEngine.ScanOnce()
	m.logger.Info("proc_monitor: boot scan complete", slog.Int("spawner_count", m.reg.Count()), slog.Bool("discovery_done", done))

	m.loopWg.Add(1)
	go m.run(runCtx, watcherEvents, pump, done)

	return nil
}

// Stop tears the monitor down per spec §4.G's terminate handler: it
// cancels the consumer loop, waits for it to exit, then clears the
// registry and bitmap and stops the filesystem watcher. Idempotent
// (spec testable property 6).
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	m.loopWg.Wait()

	m.reg.Clear()
	m.bitmap.ClearAll()

	if m.watcher != nil {
		m.watcher.Stop()
	}

	m.logger.Info("proc_monitor: stopped")
}

// run is the single consumer goroutine: the sole mutator of the
// registry and bitmap (spec invariant 4). A single select merges the
// rescan ticker, the filesystem-watch channel, the shared tracer.Pump's
// wait-outcome channel, and the termination context, so the loop is
// never blocked inside an uninterruptible syscall: pump already holds
// that blocking call on its own goroutine (see the package doc comment).
func (m *Monitor) run(ctx context.Context, watcherEvents <-chan fswatch.Event, pump *tracer.Pump, discoveryDone bool) {
	defer m.loopWg.Done()

	ticker := time.NewTicker(m.cfg.Discovery.RescanInterval)
	defer ticker.Stop()

	var tickerC <-chan time.Time
	if !discoveryDone {
		tickerC = ticker.C
	}

	rearm := func(done bool) {
		if done {
			tickerC = nil
		} else {
			tickerC = ticker.C
		}
	}

	// Wired here, not in New: OnSpawnerRemoved must close over this
	// run's own rearm closure — a fresh local function created on every
	// Start — to actually re-arm the ticker the instant a spawner is
	// lost (spec invariant 3), rather than merely logging the loss.
	m.eventRouter.OnSpawnerRemoved = func(pid int) {
		m.logger.Info("proc_monitor: spawner lost, rescan will re-arm", slog.Int("pid", pid))
		rearm(m.discoveryEngine.ScanOnce())
	}

	waitCh := pump.Out()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickerC:
			rearm(m.discoveryEngine.ScanOnce())
		case evt, ok := <-watcherEvents:
			if !ok {
				watcherEvents = nil
				continue
			}
			m.handleWatchEvent(evt, rearm)
		case out, ok := <-waitCh:
			if !ok {
				waitCh = nil
				continue
			}
			if _, err := m.eventRouter.Route(ctx, out.Result, out.Err); err != nil {
				m.logger.Warn("proc_monitor: route failed", slog.Any("error", err))
			}
		}
	}
}

// handleWatchEvent implements spec §4.G's inotify handler: a
// close-write on the package database triggers a uid-map refresh
// followed by a rescan; any other event, including an access event on a
// spawner executable, is ignored (the monitor already tracks the spawner
// via trace events once adopted).
func (m *Monitor) handleWatchEvent(evt fswatch.Event, rearm func(bool)) {
	if evt.Operation != fswatch.OpCloseWrite {
		return
	}
	if filepath.Base(evt.Path) != m.cfg.Watch.PackageDBFile {
		return
	}

	m.logger.Info("proc_monitor: package database changed, refreshing uid map", slog.String("path", evt.Path))
	if err := m.uidMapUpdater.UpdateUIDMap(context.Background()); err != nil {
		m.logger.Warn("proc_monitor: uid map refresh failed", slog.Any("error", err))
	}
	rearm(m.discoveryEngine.ScanOnce())
}
