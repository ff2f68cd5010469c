// Package hiding models the external collaborators spec §6 deliberately
// places out of scope: the UID→package-name map, the hide-target
// predicate, and the hiding daemon itself. The monitor core depends only
// on these interfaces; production wiring of a real classifier and a real
// mount-scrubbing daemon happens outside this module.
package hiding

import "context"

// TargetClassifier answers "is this uid+cmdline a target?" per spec §6
// (is_hide_target). It is pure and may be called from worker goroutines.
type TargetClassifier interface {
	// IsHideTarget reports whether the process identified by uid and
	// cmdline should be hidden from. confidence is passed through
	// verbatim from the inspector (95, per spec §9) and is not
	// interpreted by this module.
	IsHideTarget(uid int, cmdline string, confidence int) bool
}

// UIDMapUpdater invalidates or rebuilds the package/uid cache per spec §6
// (update_uid_map). Called synchronously from the package-database watch
// handler.
type UIDMapUpdater interface {
	UpdateUIDMap(ctx context.Context) error
}

// HideDaemon takes a stopped pid, scrubs root-related mounts and files
// from its view of the filesystem, and resumes it (spec §6, hide_daemon).
// It must always either resume or explicitly kill the pid; this module
// never resumes a pid after handing it to HideDaemon.
type HideDaemon interface {
	Hide(ctx context.Context, pid int) error
}

// AlwaysMissClassifier is a reference TargetClassifier that never matches.
// It exists only so cmd/procmond and tests can run the monitor end to end
// without a production classifier wired in; it is not production hiding
// logic (spec §1 places that out of scope).
type AlwaysMissClassifier struct{}

// IsHideTarget always returns false.
func (AlwaysMissClassifier) IsHideTarget(uid int, cmdline string, confidence int) bool {
	return false
}

// NoopUIDMapUpdater is a reference UIDMapUpdater that does nothing.
type NoopUIDMapUpdater struct{}

// UpdateUIDMap is a no-op.
func (NoopUIDMapUpdater) UpdateUIDMap(ctx context.Context) error { return nil }
