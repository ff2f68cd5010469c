package audit

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veilkit/procmon/internal/inspector"
)

// decisionPayload is the JSON shape written for every inspection
// outcome. SessionID ties every entry produced by one monitor process
// lifetime together, so a Verify run against a long-lived log can be
// sliced per restart.
type decisionPayload struct {
	SessionID string             `json:"session_id"`
	PID       int                `json:"pid"`
	UID       int                `json:"uid"`
	Cmdline   string             `json:"cmdline"`
	Decision  inspector.Decision `json:"decision"`
	Timestamp time.Time          `json:"timestamp"`
}

// DecisionRecorder adapts a Logger to the inspector.Recorder interface,
// so it can be passed directly to inspector.New. Every call to Record
// is one hash-chained entry tagged with a session id generated once at
// construction (SPEC_FULL.md §3 "Decision audit trail").
type DecisionRecorder struct {
	logger    *Logger
	sessionID string
	slogger   *slog.Logger
}

// NewDecisionRecorder wraps logger with a freshly generated session id.
func NewDecisionRecorder(logger *Logger, slogger *slog.Logger) *DecisionRecorder {
	if slogger == nil {
		slogger = slog.Default()
	}
	return &DecisionRecorder{
		logger:    logger,
		sessionID: uuid.NewString(),
		slogger:   slogger,
	}
}

// SessionID returns the id stamped on every entry this recorder writes.
func (d *DecisionRecorder) SessionID() string {
	return d.sessionID
}

// Record implements inspector.Recorder. Append failures are logged, not
// returned or panicked on: per spec §7 the audit trail is best-effort
// observability and must never block or crash an inspection in
// progress.
func (d *DecisionRecorder) Record(pid int, uid int, cmdline string, decision inspector.Decision) {
	payload := decisionPayload{
		SessionID: d.sessionID,
		PID:       pid,
		UID:       uid,
		Cmdline:   cmdline,
		Decision:  decision,
		Timestamp: time.Now().UTC(),
	}
	if _, err := d.logger.Append(payload); err != nil {
		d.slogger.Error("proc_monitor: audit: failed to record decision",
			slog.Int("pid", pid), slog.String("decision", string(decision)), slog.Any("error", err))
	}
}
