// Package registry is the in-memory record store for agent instances.
//
// # Overview
//
// The registry tracks every registered agent instance, the tools its group
// exposes, and its lifecycle status. It is the single source of truth the
// dispatcher and the HTTP API read from; all state lives behind one lock.
//
// # Model
//
// Instances are keyed by name, which must be unique per running process.
// Several instances may share a group; a group is the unit of capability.
// Tool names are globally unique across groups: the first group to register
// a tool name owns it, and a registration from a different group claiming
// the same name is rejected atomically with ErrToolConflict.
//
//	reg := registry.New(livenessWindow, logger)
//	err := reg.Register(&registry.Instance{
//	    Name:     "coder-1",
//	    Group:    "coder",
//	    Endpoint: "http://coder-1:8810",
//	    Tools:    []*registry.ToolDescriptor{...},
//	})
//
// Key operations:
//
//   - Register(inst): Insert or replace an instance and index its tools
//   - Unregister(name): Remove an instance and orphaned tool index entries
//   - Heartbeat(name, load): Record liveness and the current load metric
//   - Candidates(group): Alive instances ranked by load, then registration
//   - ListTools(): Union of tools across alive instances
//
// # Status Transitions
//
// Instances move between online, busy, offline, and error. Every transition
// is emitted exactly once through the hook installed with OnTransition,
// invoked outside the registry lock. Unchanged statuses emit nothing.
//
// # Heartbeat Monitor
//
// Monitor runs a fixed-interval sweep that marks instances Offline once
// their last heartbeat is older than the miss threshold, and optionally
// evicts instances that stay Offline past the eviction window. Agents push
// heartbeats; the monitor only detects their absence.
package registry
