package kernel

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/chassisd/chassis/internal/app"
	"github.com/chassisd/chassis/internal/events"
	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/metrics"
	"github.com/chassisd/chassis/internal/module"
)

// defaultOpTimeout bounds one phase-2 operation.
const defaultOpTimeout = 60 * time.Second

// Phase2Summary reports the orchestrator's outcome per module.
type Phase2Summary struct {
	Ready    []string      `json:"ready,omitempty"`
	Degraded []string      `json:"degraded,omitempty"`
	Failed   []string      `json:"failed,omitempty"`
	Ops      int           `json:"ops"`
	Duration time.Duration `json:"duration"`
}

// p2node is one (module, method) vertex in the phase-2 dependency graph.
type p2node struct {
	moduleID string
	op       module.Phase2Op

	// serviceDeps are depends_on entries that named a service; checked
	// against the container right before invocation.
	serviceDeps []string

	indegree int
	executed bool
	skipped  bool
	failed   bool
}

func (n *p2node) key() string {
	return n.moduleID + "." + n.op.Method
}

// orchestrator runs phase-2 operations in dependency order.
type orchestrator struct {
	app     *app.App
	reg     *module.Registry
	proc    *processor
	tracker *stateTracker
	logger  *slog.Logger
	bus     events.Bus

	nodes      map[string]*p2node
	dependents map[string][]string
}

func newOrchestrator(a *app.App, reg *module.Registry, proc *processor, tracker *stateTracker, logger *slog.Logger, bus events.Bus) *orchestrator {
	return &orchestrator{
		app:        a,
		reg:        reg,
		proc:       proc,
		tracker:    tracker,
		logger:     logger,
		bus:        bus,
		nodes:      make(map[string]*p2node),
		dependents: make(map[string][]string),
	}
}

// build assembles the dependency graph. A depends_on naming a service adds
// an edge from every phase-2 operation of the advertising module; a
// module.method reference adds a single edge.
func (o *orchestrator) build() error {
	for _, desc := range o.reg.All() {
		for _, op := range desc.Phase2 {
			n := &p2node{moduleID: desc.ID, op: op}
			o.nodes[n.key()] = n
		}
	}

	addEdge := func(from, to string) {
		o.dependents[from] = append(o.dependents[from], to)
		o.nodes[to].indegree++
	}

	for _, desc := range o.reg.All() {
		for _, op := range desc.Phase2 {
			to := desc.ID + "." + op.Method
			for _, ref := range op.DependsOn {
				if owner, ok := o.reg.ServiceOwner(ref); ok {
					o.nodes[to].serviceDeps = append(o.nodes[to].serviceDeps, ref)
					ownerDesc, _ := o.reg.Descriptor(owner)
					for _, ownerOp := range ownerDesc.Phase2 {
						from := owner + "." + ownerOp.Method
						if from != to {
							addEdge(from, to)
						}
					}
					continue
				}

				if _, ok := o.nodes[ref]; !ok {
					return fault.Newf(fault.UnknownDependency,
						"phase2 operation %s depends on unknown %q", to, ref)
				}
				addEdge(ref, to)
			}
		}
	}
	return nil
}

// Run executes the graph with Kahn's algorithm. A cycle aborts startup
// before any operation is invoked. Ready operations are selected
// deterministically by (priority, module ID, method).
func (o *orchestrator) Run(ctx context.Context) (*Phase2Summary, error) {
	started := time.Now()
	if err := o.build(); err != nil {
		return nil, err
	}
	if err := o.checkAcyclic(); err != nil {
		return nil, err
	}

	var ready []*p2node
	for _, n := range o.nodes {
		if n.indegree == 0 {
			ready = append(ready, n)
		}
	}

	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].op.Priority != ready[j].op.Priority {
				return ready[i].op.Priority < ready[j].op.Priority
			}
			if ready[i].moduleID != ready[j].moduleID {
				return ready[i].moduleID < ready[j].moduleID
			}
			return ready[i].op.Method < ready[j].op.Method
		})

		n := ready[0]
		ready = ready[1:]

		if !n.skipped {
			o.runNode(ctx, n)
		}

		for _, depKey := range o.dependents[n.key()] {
			dep := o.nodes[depKey]
			dep.indegree--

			// A failed or skipped node poisons downstream operations of
			// its own module; other modules keep going.
			if (n.failed || n.skipped) && dep.moduleID == n.moduleID {
				o.skip(dep, n.key())
			}
			if dep.indegree == 0 {
				ready = append(ready, dep)
			}
		}
	}

	summary := o.summarize()
	summary.Ops = len(o.nodes)
	summary.Duration = time.Since(started)
	return summary, nil
}

// checkAcyclic runs a dry topological pass over copied indegrees, invoking
// nothing. Operations left unreachable form a cycle; acyclic operations
// must not run when startup is doomed, so this happens before the walk.
func (o *orchestrator) checkAcyclic() error {
	indegree := make(map[string]int, len(o.nodes))
	var ready []string
	for key, n := range o.nodes {
		indegree[key] = n.indegree
		if n.indegree == 0 {
			ready = append(ready, key)
		}
	}

	reached := 0
	for len(ready) > 0 {
		key := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		reached++

		for _, depKey := range o.dependents[key] {
			indegree[depKey]--
			if indegree[depKey] == 0 {
				ready = append(ready, depKey)
			}
		}
	}
	if reached == len(o.nodes) {
		return nil
	}

	var stuck []string
	for key := range o.nodes {
		if indegree[key] > 0 {
			stuck = append(stuck, key)
		}
	}
	sort.Strings(stuck)
	return fault.Newf(fault.CyclicPhase2,
		"phase2 dependency cycle involving %v", stuck)
}

// runNode checks required services and invokes one operation.
func (o *orchestrator) runNode(ctx context.Context, n *p2node) {
	desc, _ := o.reg.Descriptor(n.moduleID)

	required := append([]string(nil), desc.RequiredServices...)
	required = append(required, n.serviceDeps...)
	for _, svc := range required {
		if !o.app.Container.Has(svc) {
			err := fault.Newf(fault.RequiredServiceMissing,
				"operation %s requires service %q which is not registered", n.key(), svc).
				WithDetail("service", svc)
			o.finishNode(n, 0, err)
			return
		}
	}

	instance, ok := o.proc.instances[n.moduleID]
	if !ok {
		o.finishNode(n, 0, fault.Newf(fault.Phase1Failed, "module %q has no instance", n.moduleID))
		return
	}
	method, ok := instance.Methods()[n.op.Method]
	if !ok {
		o.finishNode(n, 0, fault.Newf(fault.MetadataConflict,
			"module %q declares phase2 method %q which the instance does not implement", n.moduleID, n.op.Method))
		return
	}

	opStart := time.Now()
	err := o.invoke(ctx, method)
	o.finishNode(n, time.Since(opStart), err)
}

// invoke runs one operation bounded by the op timeout, recovering panics.
func (o *orchestrator) invoke(ctx context.Context, method module.Method) (err error) {
	opCtx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fault.Newf(fault.HandlerError, "phase2 operation panicked: %v", r)
		}
	}()
	return method(opCtx, o.app)
}

// finishNode records one operation outcome.
func (o *orchestrator) finishNode(n *p2node, duration time.Duration, err error) {
	n.executed = true
	n.failed = err != nil

	state := OpState{Method: n.op.Method, Status: OpSuccess, DurationMS: duration.Milliseconds()}
	outcome := "success"
	if err != nil {
		state.Status = OpFailed
		state.Error = err.Error()
		outcome = "failure"
		o.logger.Error("phase2 operation failed",
			"module", n.moduleID, "method", n.op.Method, "optional", n.op.Optional, "error", err)
	} else {
		o.logger.Debug("phase2 operation complete",
			"module", n.moduleID, "method", n.op.Method, "duration", duration.Round(time.Millisecond))
	}
	metrics.Phase2Operations.WithLabelValues(outcome).Inc()

	o.tracker.update(n.moduleID, func(st *ModuleState) {
		st.Phase2[n.op.Method] = state
	})
}

// skip marks a node and cascades within the module via the normal
// dependent walk.
func (o *orchestrator) skip(n *p2node, cause string) {
	if n.skipped {
		return
	}
	n.skipped = true
	o.tracker.update(n.moduleID, func(st *ModuleState) {
		st.Phase2[n.op.Method] = OpState{
			Method: n.op.Method,
			Status: OpSkipped,
			Error:  "skipped, upstream operation " + cause + " did not succeed",
		}
	})
}

// summarize classifies every loaded module: failed when a required
// operation failed or was skipped, degraded when only optional operations
// failed or the processor flagged it, ready otherwise.
func (o *orchestrator) summarize() *Phase2Summary {
	summary := &Phase2Summary{}

	requiredBad := make(map[string]bool)
	optionalBad := make(map[string]bool)
	for _, n := range o.nodes {
		if n.failed || n.skipped {
			if n.op.Optional {
				optionalBad[n.moduleID] = true
			} else {
				requiredBad[n.moduleID] = true
			}
		}
	}

	for id := range o.proc.instances {
		var status ModuleStatus
		switch {
		case requiredBad[id]:
			status = ModuleFailed
			summary.Failed = append(summary.Failed, id)
		case optionalBad[id] || o.proc.degraded[id]:
			status = ModuleDegraded
			summary.Degraded = append(summary.Degraded, id)
		default:
			status = ModuleReady
			summary.Ready = append(summary.Ready, id)
		}

		o.tracker.update(id, func(st *ModuleState) {
			st.Status = status
		})
		metrics.ModulesLoaded.WithLabelValues(string(status)).Inc()

		switch status {
		case ModuleReady:
			o.publish(events.ModuleReady, id)
		case ModuleDegraded:
			o.publish(events.ModuleDegraded, id)
		case ModuleFailed:
			o.publish(events.ModuleFailed, id)
		}
	}

	sort.Strings(summary.Ready)
	sort.Strings(summary.Degraded)
	sort.Strings(summary.Failed)
	return summary
}

func (o *orchestrator) publish(eventType events.EventType, id string) {
	if o.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = o.bus.Publish(ctx, events.NewEvent(eventType, events.ModulePayload{ModuleID: id}))
}
