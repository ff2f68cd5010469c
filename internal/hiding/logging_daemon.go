package hiding

import (
	"context"
	"log/slog"

	"github.com/veilkit/procmon/internal/tracer"
)

// LoggingHideDaemon is a reference HideDaemon that logs the hand-off and
// resumes the pid with SIGCONT. Real mount-scrubbing is explicitly out of
// scope for this module (spec §1); this exists so the monitor has a
// functioning default collaborator for local testing and so the "must
// always either resume or explicitly kill the pid" contract from spec §6
// is demonstrably honoured by at least one implementation.
type LoggingHideDaemon struct {
	Tracer tracer.Tracer
	Logger *slog.Logger
}

// Hide logs the request and resumes pid via SIGCONT.
func (d LoggingHideDaemon) Hide(ctx context.Context, pid int) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("proc_monitor: hide_daemon placeholder invoked; no mount scrubbing performed",
		slog.Int("pid", pid),
	)
	return d.Tracer.Kill(pid, tracer.SIGCONT)
}
