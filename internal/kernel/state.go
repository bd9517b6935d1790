// Package kernel implements the runtime core: the bootstrap stage, the
// two-phase module load pipeline, the phase-2 dependency orchestrator, the
// health manager, and the shutdown coordinator.
package kernel

import (
	"sync"
	"time"
)

// State is the kernel lifecycle state.
type State string

const (
	StateStarting      State = "starting"
	StateBootstrapping State = "bootstrapping"
	StateLoading       State = "loading"
	StatePhase2        State = "phase2"
	StateRunning       State = "running"
	StateDegraded      State = "degraded"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
)

// transitions is the legal state graph. Stopping is reachable from every
// live state so a failed startup can still unwind cleanly.
var transitions = map[State][]State{
	StateStarting:      {StateBootstrapping, StateStopping},
	StateBootstrapping: {StateLoading, StateStopping},
	StateLoading:       {StatePhase2, StateStopping},
	StatePhase2:        {StateRunning, StateDegraded, StateStopping},
	StateRunning:       {StateDegraded, StateStopping},
	StateDegraded:      {StateRunning, StateStopping},
	StateStopping:      {StateStopped},
	StateStopped:       {},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ModuleStatus is a loaded module's state.
type ModuleStatus string

const (
	ModuleLoading  ModuleStatus = "loading"
	ModuleReady    ModuleStatus = "ready"
	ModuleDegraded ModuleStatus = "degraded"
	ModuleFailed   ModuleStatus = "failed"
)

// OpStatus is one phase-2 operation's state.
type OpStatus string

const (
	OpPending OpStatus = "pending"
	OpSuccess OpStatus = "success"
	OpFailed  OpStatus = "failed"
	OpSkipped OpStatus = "skipped"
)

// OpState records one phase-2 operation outcome.
type OpState struct {
	Method     string   `json:"method"`
	Status     OpStatus `json:"status"`
	Error      string   `json:"error,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// ModuleState is one module's load record. Updates merge into the existing
// record field by field; a record is never replaced wholesale, so fields
// written by earlier pipeline steps survive later updates.
type ModuleState struct {
	ID                 string             `json:"id"`
	Status             ModuleStatus       `json:"status"`
	ServicesRegistered []string           `json:"services_registered,omitempty"`
	Phase1Done         []string           `json:"phase1_done,omitempty"`
	Phase2             map[string]OpState `json:"phase2,omitempty"`
	Error              string             `json:"error,omitempty"`
	LoadedAt           time.Time          `json:"loaded_at"`
	DurationMS         int64              `json:"duration_ms"`
}

// stateTracker holds the module-state map behind a mutex. All writes go
// through update, which merges into the existing record.
type stateTracker struct {
	mu     sync.RWMutex
	states map[string]*ModuleState
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[string]*ModuleState)}
}

// update applies fn to the module's record, creating it on first touch.
// fn mutates in place; the record itself is never reassigned.
func (t *stateTracker) update(id string, fn func(*ModuleState)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[id]
	if !ok {
		st = &ModuleState{ID: id, Status: ModuleLoading, Phase2: make(map[string]OpState)}
		t.states[id] = st
	}
	fn(st)
}

// get returns a deep copy of one module's record.
func (t *stateTracker) get(id string) (ModuleState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.states[id]
	if !ok {
		return ModuleState{}, false
	}
	return copyModuleState(st), true
}

// snapshot returns deep copies of all records, keyed by module ID.
func (t *stateTracker) snapshot() map[string]ModuleState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]ModuleState, len(t.states))
	for id, st := range t.states {
		out[id] = copyModuleState(st)
	}
	return out
}

func copyModuleState(st *ModuleState) ModuleState {
	cp := *st
	cp.ServicesRegistered = append([]string(nil), st.ServicesRegistered...)
	cp.Phase1Done = append([]string(nil), st.Phase1Done...)
	cp.Phase2 = make(map[string]OpState, len(st.Phase2))
	for k, v := range st.Phase2 {
		cp.Phase2[k] = v
	}
	return cp
}
