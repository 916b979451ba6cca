// ABOUTME: Recorder appends decision/schedule/execution/broadcast entries to the log.
// ABOUTME: Broadcast entries are parented to recent dispatch activity inside a causal window.

package collab

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"mcp-broker/internal/registry"
)

// Recorder is the write-side facade over the collaboration log used by the
// dispatcher and the status broadcaster. It owns the causal-window policy
// for linking broadcast entries back to dispatch activity.
type Recorder struct {
	store        *Store
	causalWindow time.Duration
	logger       *slog.Logger
}

// NewRecorder creates a recorder. causalWindow bounds how far back a
// broadcast entry may be linked to a schedule/execution entry for the same
// agent; zero or negative disables linking.
func NewRecorder(store *Store, causalWindow time.Duration, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:        store,
		causalWindow: causalWindow,
		logger:       logger.With("component", "recorder"),
	}
}

// RecordDecision appends a root decision entry and returns its id.
// Decisions have no parent and no agent: they root causal chains.
func (r *Recorder) RecordDecision(ctx context.Context, task string, reasoning map[string]any) (int64, error) {
	payload := map[string]any{"task": task}
	if reasoning != nil {
		payload["reasoning"] = reasoning
	}
	entry := &Entry{
		Type:    EntryDecision,
		Status:  StatusSuccess,
		Payload: payload,
	}
	if err := r.store.Append(ctx, entry); err != nil {
		return 0, err
	}
	return entry.ID, nil
}

// RecordSchedule appends a schedule entry for a pending tool call.
// decisionID, when present, links the schedule to the decision that
// produced it.
func (r *Recorder) RecordSchedule(ctx context.Context, decisionID *int64, agent, tool string, params json.RawMessage) (int64, error) {
	payload := map[string]any{}
	if len(params) > 0 {
		payload["parameters"] = json.RawMessage(params)
	}
	entry := &Entry{
		Type:     EntrySchedule,
		Agent:    &agent,
		Tool:     &tool,
		Status:   StatusPending,
		Payload:  payload,
		ParentID: decisionID,
	}
	if err := r.store.Append(ctx, entry); err != nil {
		return 0, err
	}
	return entry.ID, nil
}

// RecordExecution appends an execution entry for one forwarded call attempt,
// successful or not. Every attempt is recorded so no failure is invisible to
// audit, even when the dispatcher recovers by retrying.
func (r *Recorder) RecordExecution(ctx context.Context, scheduleID *int64, agent, tool, status string, result json.RawMessage, callErr error) (int64, error) {
	payload := map[string]any{}
	if len(result) > 0 {
		payload["result"] = json.RawMessage(result)
	}
	if callErr != nil {
		payload["error"] = callErr.Error()
	}
	entry := &Entry{
		Type:     EntryExecution,
		Agent:    &agent,
		Tool:     &tool,
		Status:   status,
		Payload:  payload,
		ParentID: scheduleID,
	}
	if err := r.store.Append(ctx, entry); err != nil {
		return 0, err
	}
	return entry.ID, nil
}

// OnStatusChange implements status.Recorder: it appends a broadcast entry
// for every status transition. The entry is parented to the most recent
// schedule/execution entry for that agent within the causal window, else
// left unparented.
func (r *Recorder) OnStatusChange(ev registry.StatusEvent) {
	ctx := context.Background()

	var parentID *int64
	if r.causalWindow > 0 {
		latest, err := r.store.LatestForAgent(ctx, ev.Agent, ev.Timestamp.Add(-r.causalWindow))
		if err != nil {
			r.logger.Warn("causal window lookup failed", "agent", ev.Agent, "error", err)
		} else if latest != nil {
			parentID = &latest.ID
		}
	}

	agent := ev.Agent
	entry := &Entry{
		Type:      EntryBroadcast,
		Timestamp: ev.Timestamp,
		Agent:     &agent,
		Status:    StatusSuccess,
		Payload: map[string]any{
			"group":      ev.Group,
			"old_status": string(ev.OldStatus),
			"new_status": string(ev.NewStatus),
		},
		ParentID: parentID,
	}
	if err := r.store.Append(ctx, entry); err != nil {
		r.logger.Error("failed to record broadcast entry", "agent", ev.Agent, "error", err)
	}
}
