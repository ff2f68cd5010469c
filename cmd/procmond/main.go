// Command procmond is the process-monitor core binary (spec §1): it
// watches the system's application spawner(s), observes every forked
// child, and pauses target applications long enough for an external
// hiding daemon to scrub root traces before letting them run. It loads
// a YAML configuration file, starts the monitor, and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/veilkit/procmon/internal/audit"
	"github.com/veilkit/procmon/internal/config"
	"github.com/veilkit/procmon/internal/fswatch"
	"github.com/veilkit/procmon/internal/hiding"
	"github.com/veilkit/procmon/internal/monitor"
	"github.com/veilkit/procmon/internal/procfs"
	"github.com/veilkit/procmon/internal/tracer"
)

func main() {
	configPath := flag.String("config", "/etc/procmon/config.yaml", "path to the process monitor YAML configuration file")
	auditLogPath := flag.String("audit-log", "/var/log/procmon/decisions.log", "path to the tamper-evident decision audit log")
	flag.Parse()

	cfg, err := config.ParseFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "procmond: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	logger.Info("proc_monitor: configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("command_prefix", cfg.Discovery.CommandPrefix),
		slog.String("package_db_dir", cfg.Watch.PackageDBDir),
	)

	auditLogger, err := audit.Open(*auditLogPath)
	if err != nil {
		logger.Error("proc_monitor: failed to open audit log", slog.String("path", *auditLogPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer auditLogger.Close()
	recorder := audit.NewDecisionRecorder(auditLogger, logger)
	logger.Info("proc_monitor: audit trail opened", slog.String("path", *auditLogPath), slog.String("session_id", recorder.SessionID()))

	tr := tracer.New()

	var watcher fswatch.Watcher
	if iw, err := fswatch.NewInotifyWatcher(logger); err != nil {
		logger.Warn("proc_monitor: inotify unavailable, continuing on rescan timer only", slog.Any("error", err))
	} else {
		watcher = iw
	}

	m := monitor.New(cfg, monitor.Collaborators{
		Tracer:        tr,
		Crawler:       procfs.DefaultCrawler{},
		Watcher:       watcher,
		Classifier:    hiding.AlwaysMissClassifier{},
		HideDaemon:    hiding.LoggingHideDaemon{Tracer: tr, Logger: logger},
		UIDMapUpdater: hiding.NoopUIDMapUpdater{},
		Recorder:      recorder,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		logger.Error("proc_monitor: failed to start monitor", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("proc_monitor: started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("proc_monitor: received shutdown signal", slog.String("signal", sig.String()))
	m.Stop()
	logger.Info("proc_monitor: exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
