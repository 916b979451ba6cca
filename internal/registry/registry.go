// ABOUTME: In-memory record store for registered agent instances and their tools.
// ABOUTME: Owns the tool-name index and all agent status state behind a single lock.

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"
)

// ErrAgentNotFound indicates the specified agent instance was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrToolNotFound indicates no registered group owns the given tool name.
var ErrToolNotFound = errors.New("tool not found")

// ErrToolConflict indicates a tool name is already owned by a different group.
var ErrToolConflict = errors.New("tool name already owned by another group")

// ErrAgentConflict indicates the instance name is already registered under a
// different group. Replacement is only valid within the same group.
var ErrAgentConflict = errors.New("agent name already registered in another group")

// Status represents the lifecycle state of a registered agent instance.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// ToolDescriptor describes a single callable tool exposed by an agent group.
type ToolDescriptor struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Examples    []map[string]any

	// Group is the owning agent group, set by the registry on registration.
	Group string

	compiled *jsonschema.Schema
}

// ValidateParams checks structured parameters against the tool's schema.
// Tools registered without a schema accept anything.
func (t *ToolDescriptor) ValidateParams(params json.RawMessage) error {
	if t.compiled == nil {
		return nil
	}
	data := params
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	result := t.compiled.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("parameters for %q: %s", t.Name, result.Error())
	}
	return nil
}

// Instance is a single registered agent process.
type Instance struct {
	Name          string
	Group         string
	Endpoint      string
	Roles         []string
	Tools         []*ToolDescriptor
	Status        Status
	LastHeartbeat time.Time
	Load          float64
	RegisteredAt  time.Time
}

// StatusEvent describes a single agent status transition.
type StatusEvent struct {
	Agent     string
	Group     string
	OldStatus Status
	NewStatus Status
	Timestamp time.Time
}

// TransitionFunc receives every status transition exactly once.
// It is invoked outside the registry lock.
type TransitionFunc func(StatusEvent)

// Registry is the lock-guarded record store for agent instances.
// Instances are keyed by name (unique per running process); the tool index
// maps each tool name to the single group that owns it.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance // name -> instance
	toolIndex map[string]string    // tool name -> owning group

	livenessWindow time.Duration
	onTransition   TransitionFunc
	compiler       *jsonschema.Compiler
	logger         *slog.Logger
	now            func() time.Time
}

// New creates a Registry. livenessWindow bounds how stale a heartbeat may be
// before an instance stops counting as alive.
func New(livenessWindow time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		instances:      make(map[string]*Instance),
		toolIndex:      make(map[string]string),
		livenessWindow: livenessWindow,
		compiler:       jsonschema.NewCompiler(),
		logger:         logger.With("component", "registry"),
		now:            time.Now,
	}
}

// OnTransition installs the status transition hook. Must be called during
// wiring, before any registrations.
func (r *Registry) OnTransition(fn TransitionFunc) {
	r.onTransition = fn
}

// Register inserts or replaces an instance under its name and indexes its
// tools. Returns ErrToolConflict if any submitted tool name is already owned
// by a different group; a rejected registration leaves the store unchanged.
func (r *Registry) Register(inst *Instance) error {
	for _, tool := range inst.Tools {
		if len(tool.Schema) > 0 {
			compiled, err := r.compiler.Compile(tool.Schema)
			if err != nil {
				return fmt.Errorf("compiling schema for tool %q: %w", tool.Name, err)
			}
			tool.compiled = compiled
		}
		tool.Group = inst.Group
	}

	r.mu.Lock()

	// Conflict checks first so a rejected submission mutates nothing.
	if old, ok := r.instances[inst.Name]; ok && old.Group != inst.Group {
		r.mu.Unlock()
		return fmt.Errorf("agent %q belongs to group %q: %w", inst.Name, old.Group, ErrAgentConflict)
	}
	for _, tool := range inst.Tools {
		owner, ok := r.toolIndex[tool.Name]
		if ok && owner != inst.Group {
			r.mu.Unlock()
			return fmt.Errorf("tool %q owned by group %q: %w", tool.Name, owner, ErrToolConflict)
		}
	}

	now := r.now()
	var replaced *Instance
	if old, ok := r.instances[inst.Name]; ok {
		replaced = old
		r.dropToolsLocked(old)
	}

	inst.Status = StatusOnline
	inst.LastHeartbeat = now
	inst.RegisteredAt = now
	r.instances[inst.Name] = inst
	for _, tool := range inst.Tools {
		r.toolIndex[tool.Name] = inst.Group
	}
	total := len(r.instances)
	r.mu.Unlock()

	r.logger.Info("agent registered",
		"agent", inst.Name,
		"group", inst.Group,
		"tools", len(inst.Tools),
		"replaced", replaced != nil,
		"total_agents", total,
	)
	return nil
}

// Unregister removes the instance and any tool index entries its group no
// longer serves. Returns ErrAgentNotFound if no such instance exists; a
// second unregister of the same name also returns ErrAgentNotFound.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	inst, ok := r.instances[name]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	delete(r.instances, name)
	r.dropToolsLocked(inst)
	total := len(r.instances)
	r.mu.Unlock()

	r.logger.Info("agent unregistered",
		"agent", name,
		"group", inst.Group,
		"total_agents", total,
	)
	return nil
}

// dropToolsLocked removes tool index entries for tools of inst that no
// remaining instance of the same group still exposes. Caller holds the lock.
func (r *Registry) dropToolsLocked(inst *Instance) {
	for _, tool := range inst.Tools {
		stillServed := false
		for _, other := range r.instances {
			if other.Group != inst.Group {
				continue
			}
			for _, t := range other.Tools {
				if t.Name == tool.Name {
					stillServed = true
					break
				}
			}
			if stillServed {
				break
			}
		}
		if !stillServed {
			delete(r.toolIndex, tool.Name)
		}
	}
}

// Heartbeat records a liveness signal and load metric for an instance.
// An Offline or Error instance that heartbeats transitions back to Online.
func (r *Registry) Heartbeat(name string, load float64) error {
	r.mu.Lock()
	inst, ok := r.instances[name]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	inst.LastHeartbeat = r.now()
	inst.Load = load

	var event *StatusEvent
	if inst.Status == StatusOffline || inst.Status == StatusError {
		event = r.setStatusLocked(inst, StatusOnline)
	}
	r.mu.Unlock()

	r.emit(event)
	return nil
}

// SetStatus transitions an instance to the given status.
// Unchanged statuses emit nothing.
func (r *Registry) SetStatus(name string, status Status) error {
	r.mu.Lock()
	inst, ok := r.instances[name]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	event := r.setStatusLocked(inst, status)
	r.mu.Unlock()

	r.emit(event)
	return nil
}

// setStatusLocked flips the status and returns the transition event, or nil
// when the status did not change. Caller holds the lock.
func (r *Registry) setStatusLocked(inst *Instance, status Status) *StatusEvent {
	if inst.Status == status {
		return nil
	}
	old := inst.Status
	inst.Status = status
	return &StatusEvent{
		Agent:     inst.Name,
		Group:     inst.Group,
		OldStatus: old,
		NewStatus: status,
		Timestamp: r.now(),
	}
}

// emit invokes the transition hook outside the lock.
func (r *Registry) emit(event *StatusEvent) {
	if event == nil {
		return
	}
	r.logger.Debug("status transition",
		"agent", event.Agent,
		"from", event.OldStatus,
		"to", event.NewStatus,
	)
	if r.onTransition != nil {
		r.onTransition(*event)
	}
}

// ExpireStale transitions every instance whose heartbeat is older than the
// miss threshold to Offline and returns the transition events.
func (r *Registry) ExpireStale(missThreshold time.Duration) []StatusEvent {
	now := r.now()

	r.mu.Lock()
	var events []StatusEvent
	for _, inst := range r.instances {
		if inst.Status == StatusOffline {
			continue
		}
		if now.Sub(inst.LastHeartbeat) > missThreshold {
			if ev := r.setStatusLocked(inst, StatusOffline); ev != nil {
				events = append(events, *ev)
			}
		}
	}
	r.mu.Unlock()

	for i := range events {
		r.emit(&events[i])
	}
	return events
}

// EvictDead unregisters instances that have been Offline longer than
// evictAfter. Returns the names of evicted instances.
func (r *Registry) EvictDead(evictAfter time.Duration) []string {
	now := r.now()

	r.mu.Lock()
	var evicted []string
	for name, inst := range r.instances {
		if inst.Status != StatusOffline {
			continue
		}
		if now.Sub(inst.LastHeartbeat) > evictAfter {
			delete(r.instances, name)
			r.dropToolsLocked(inst)
			evicted = append(evicted, name)
		}
	}
	r.mu.Unlock()

	for _, name := range evicted {
		r.logger.Info("evicted dead agent", "agent", name)
	}
	return evicted
}

// isAliveLocked reports whether an instance counts as alive: not Offline and
// heartbeat within the liveness window. Caller holds the lock.
func (r *Registry) isAliveLocked(inst *Instance, now time.Time) bool {
	return inst.Status != StatusOffline && now.Sub(inst.LastHeartbeat) <= r.livenessWindow
}

// AgentView is a copied-out snapshot of an instance for listings.
type AgentView struct {
	Name          string
	Group         string
	Endpoint      string
	Roles         []string
	ToolCount     int
	Status        Status
	Load          float64
	LastHeartbeat time.Time
	RegisteredAt  time.Time
	IsAlive       bool
}

// ListAgents returns a snapshot of all instances with derived liveness,
// ordered by name for stable output.
func (r *Registry) ListAgents() []AgentView {
	now := r.now()

	r.mu.RLock()
	views := make([]AgentView, 0, len(r.instances))
	for _, inst := range r.instances {
		views = append(views, AgentView{
			Name:          inst.Name,
			Group:         inst.Group,
			Endpoint:      inst.Endpoint,
			Roles:         append([]string(nil), inst.Roles...),
			ToolCount:     len(inst.Tools),
			Status:        inst.Status,
			Load:          inst.Load,
			LastHeartbeat: inst.LastHeartbeat,
			RegisteredAt:  inst.RegisteredAt,
			IsAlive:       r.isAliveLocked(inst, now),
		})
	}
	r.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views
}

// ListTools returns the union of tools across all currently alive instances.
// Each tool name appears exactly once; tools served only by dead instances
// are omitted.
func (r *Registry) ListTools() []*ToolDescriptor {
	now := r.now()

	r.mu.RLock()
	seen := make(map[string]bool)
	var tools []*ToolDescriptor
	for _, inst := range r.instances {
		if !r.isAliveLocked(inst, now) {
			continue
		}
		for _, tool := range inst.Tools {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			tools = append(tools, tool)
		}
	}
	r.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Tool resolves a tool name to its descriptor via the tool index.
// The descriptor is returned even when no serving instance is currently
// alive; candidate selection is the dispatcher's concern.
func (r *Registry) Tool(name string) (*ToolDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	group, ok := r.toolIndex[name]
	if !ok {
		return nil, fmt.Errorf("tool %q: %w", name, ErrToolNotFound)
	}
	for _, inst := range r.instances {
		if inst.Group != group {
			continue
		}
		for _, tool := range inst.Tools {
			if tool.Name == name {
				return tool, nil
			}
		}
	}
	// Index entries are dropped with their last serving instance, so a hit
	// without a backing instance would be a bookkeeping bug.
	return nil, fmt.Errorf("tool %q: %w", name, ErrToolNotFound)
}

// Candidate is a dispatch target snapshot.
type Candidate struct {
	Name         string
	Endpoint     string
	Load         float64
	RegisteredAt time.Time
}

// Candidates returns all alive instances of a group ranked ascending by load
// metric, ties broken by earliest registration. The ranking is deterministic:
// equal inputs always produce the same order.
func (r *Registry) Candidates(group string) []Candidate {
	now := r.now()

	r.mu.RLock()
	var cands []Candidate
	for _, inst := range r.instances {
		if inst.Group != group || !r.isAliveLocked(inst, now) {
			continue
		}
		cands = append(cands, Candidate{
			Name:         inst.Name,
			Endpoint:     inst.Endpoint,
			Load:         inst.Load,
			RegisteredAt: inst.RegisteredAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Load != cands[j].Load {
			return cands[i].Load < cands[j].Load
		}
		if !cands[i].RegisteredAt.Equal(cands[j].RegisteredAt) {
			return cands[i].RegisteredAt.Before(cands[j].RegisteredAt)
		}
		return cands[i].Name < cands[j].Name
	})
	return cands
}
