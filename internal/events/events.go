// Package events provides the kernel's bounded in-memory event bus.
// Components publish lifecycle and outcome events; subscribers receive them
// on buffered channels. Publishers never block: when a subscriber's buffer
// is full the event is dropped and counted.
package events

import "time"

// EventType identifies the kind of an event.
type EventType string

// Kernel lifecycle events.
const (
	// KernelReady is published once Phase 2 completes and the kernel is
	// serving.
	KernelReady EventType = "kernel.ready"

	// KernelStopping is published when shutdown begins.
	KernelStopping EventType = "kernel.stopping"
)

// Module lifecycle events.
const (
	// ModuleLoaded is published when a module completes Phase 1.
	ModuleLoaded EventType = "module.loaded"

	// ModuleReady is published when a module completes Phase 2.
	ModuleReady EventType = "module.ready"

	// ModuleDegraded is published when a module's optional phase-2
	// operations failed but its required ones succeeded.
	ModuleDegraded EventType = "module.degraded"

	// ModuleFailed is published when a module's required phase-2
	// operation failed.
	ModuleFailed EventType = "module.failed"
)

// Scheduler events.
const (
	// EventFired is published after a scheduled event execution ends,
	// whatever the outcome.
	EventFired EventType = "scheduler.fired"

	// EventMissed is published when a due fire is skipped because the
	// event is still running.
	EventMissed EventType = "scheduler.missed"

	// EventRecovered is published when crash recovery closes a stuck
	// RUNNING event.
	EventRecovered EventType = "scheduler.recovered"
)

// Housekeeper events.
const (
	// CleanupCompleted is published after a housekeeper run.
	CleanupCompleted EventType = "housekeeper.completed"
)

// Config events.
const (
	// ConfigReloaded is published after a successful SIGHUP reload.
	ConfigReloaded EventType = "config.reloaded"

	// ConfigReloadFailed is published when a reload attempt failed and
	// the previous configuration was retained.
	ConfigReloadFailed EventType = "config.reload_failed"
)

// Event is a single bus message.
type Event struct {
	// Type identifies the event kind.
	Type EventType

	// Timestamp is when the event was created.
	Timestamp time.Time

	// Payload carries event-specific data; see the payload types below.
	Payload any
}

// NewEvent creates an event with the current timestamp.
func NewEvent(eventType EventType, payload any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// ModulePayload describes a module lifecycle event.
type ModulePayload struct {
	ModuleID string
	Err      error
}

// FirePayload describes a scheduled event execution outcome.
type FirePayload struct {
	EventID      string
	EventName    string
	FunctionName string
	Outcome      string
	Duration     time.Duration
	Err          error
}

// CleanupPayload describes a housekeeper run.
type CleanupPayload struct {
	Registrations  int
	FilesDeleted   int
	BytesReclaimed int64
	DryRun         bool
	Errors         int
}

// ConfigReloadPayload describes a config reload.
type ConfigReloadPayload struct {
	ChangedSections []string
	RequiresRestart []string
	Err             error
}
