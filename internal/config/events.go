package config

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"github.com/chassisd/chassis/internal/events"
)

// eventBusMu protects eventBus.
var eventBusMu sync.RWMutex

// eventBus is the bus used for publishing config reload events.
// Set via SetEventBus; reload events are skipped while unset.
var eventBus events.Bus

// SetEventBus sets the event bus instance for publishing config reload
// events.
func SetEventBus(bus events.Bus) {
	eventBusMu.Lock()
	defer eventBusMu.Unlock()
	eventBus = bus
}

// ReloadableSections lists the config sections that apply on SIGHUP
// without a restart. Changes to any other section are logged as requiring
// a restart.
var ReloadableSections = []string{"log_level", "log", "housekeeper"}

// detectChangedSections compares two configs and returns the changed
// top-level sections.
func detectChangedSections(old, next *Config) []string {
	var changed []string

	if old.LogLevel != next.LogLevel {
		changed = append(changed, "log_level")
	}
	if !reflect.DeepEqual(old.Log, next.Log) {
		changed = append(changed, "log")
	}
	if old.BaseDir != next.BaseDir {
		changed = append(changed, "base_dir")
	}
	if !reflect.DeepEqual(old.HTTP, next.HTTP) {
		changed = append(changed, "http")
	}
	if !reflect.DeepEqual(old.Scheduler, next.Scheduler) {
		changed = append(changed, "scheduler")
	}
	if !reflect.DeepEqual(old.Shutdown, next.Shutdown) {
		changed = append(changed, "shutdown")
	}
	if !reflect.DeepEqual(old.Housekeeper, next.Housekeeper) {
		changed = append(changed, "housekeeper")
	}
	if old.PIDFile != next.PIDFile {
		changed = append(changed, "pid_file")
	}

	return changed
}

// restartRequired filters the changed sections down to those that cannot
// be applied live.
func restartRequired(changed []string) []string {
	reloadable := make(map[string]bool, len(ReloadableSections))
	for _, s := range ReloadableSections {
		reloadable[s] = true
	}

	var restart []string
	for _, s := range changed {
		if !reloadable[s] {
			restart = append(restart, s)
		}
	}
	return restart
}

// publishConfigReloaded publishes a ConfigReloaded event describing the
// changed sections.
func publishConfigReloaded(old, next *Config) {
	changed := detectChangedSections(old, next)
	if len(changed) == 0 {
		slog.Debug("config reload produced no changes")
		return
	}

	restart := restartRequired(changed)
	if len(restart) > 0 {
		slog.Warn("config sections changed that require a restart to apply",
			"sections", restart)
	}

	publish(events.NewEvent(events.ConfigReloaded, events.ConfigReloadPayload{
		ChangedSections: changed,
		RequiresRestart: restart,
	}))
}

// publishConfigReloadFailed publishes a ConfigReloadFailed event.
func publishConfigReloadFailed(err error) {
	publish(events.NewEvent(events.ConfigReloadFailed, events.ConfigReloadPayload{
		Err: err,
	}))
}

func publish(event events.Event) {
	eventBusMu.RLock()
	bus := eventBus
	eventBusMu.RUnlock()

	if bus == nil {
		return
	}

	if err := bus.Publish(context.Background(), event); err != nil {
		slog.Debug("failed to publish config event", "error", err)
	}
}
