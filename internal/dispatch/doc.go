// Package dispatch forwards tool calls to live agent instances.
//
// # Overview
//
// The dispatcher resolves a tool name to its owning group, validates the
// parameters against the tool's schema, ranks the group's alive instances,
// and forwards the call over HTTP with per-instance failover. Callers never
// pick an instance; they name a capability.
//
// # Dispatch Sequence
//
//  1. Resolve the tool through the registry (ErrToolNotFound if unknown)
//  2. Validate parameters against the compiled schema (BadRequestError)
//  3. Rank candidates by load metric ascending, earliest registration
//     breaking ties (ErrNoLiveInstance when the list is empty)
//  4. Try candidates in order, once each, flipping the instance Busy for
//     the duration of its attempt
//  5. Return the first success; after the last failure, return
//     AllInstancesFailedError carrying every per-instance reason
//
// Every attempt is recorded as an execution entry in the collaboration log,
// so recovered failures remain visible to audit.
//
// # Circuit Breakers
//
// Each instance gets a lazily created circuit breaker. After a run of
// consecutive failures the breaker opens and calls to that instance fail
// fast until the open timeout elapses and a probe is allowed through.
package dispatch
