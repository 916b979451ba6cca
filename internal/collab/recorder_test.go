// ABOUTME: Tests for the recorder facade over the collaboration log.
// ABOUTME: Validates chain parenting and the causal window for broadcast entries.

package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-broker/internal/registry"
)

func newTestRecorder(t *testing.T, window time.Duration) (*Recorder, *Store) {
	t.Helper()
	s := newTestStore(t)
	return NewRecorder(s, window, nil), s
}

func TestRecorder_DecisionScheduleExecutionChain(t *testing.T) {
	rec, s := newTestRecorder(t, 30*time.Second)
	ctx := context.Background()

	decisionID, err := rec.RecordDecision(ctx, "ship the release", map[string]any{"priority": "high"})
	require.NoError(t, err)

	scheduleID, err := rec.RecordSchedule(ctx, &decisionID, "coder-1", "write_code",
		json.RawMessage(`{"path":"main.go"}`))
	require.NoError(t, err)

	execID, err := rec.RecordExecution(ctx, &scheduleID, "coder-1", "write_code",
		StatusSuccess, json.RawMessage(`{"written":true}`), nil)
	require.NoError(t, err)

	chain, err := s.Chain(ctx, execID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, EntryDecision, chain[0].Type)
	assert.Equal(t, EntrySchedule, chain[1].Type)
	assert.Equal(t, EntryExecution, chain[2].Type)

	assert.Equal(t, "ship the release", chain[0].Payload["task"])
	assert.Equal(t, StatusPending, chain[1].Status)
	assert.NotNil(t, chain[1].Payload["parameters"])
	assert.Equal(t, true, chain[2].Payload["result"].(map[string]any)["written"])
}

func TestRecorder_ExecutionFailureCarriesError(t *testing.T) {
	rec, s := newTestRecorder(t, 30*time.Second)
	ctx := context.Background()

	execID, err := rec.RecordExecution(ctx, nil, "coder-1", "write_code",
		StatusError, nil, errors.New("connection refused"))
	require.NoError(t, err)

	got, err := s.Get(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "connection refused", got.Payload["error"])
}

func TestRecorder_ScheduleWithoutDecisionIsUnparented(t *testing.T) {
	rec, s := newTestRecorder(t, 30*time.Second)
	ctx := context.Background()

	scheduleID, err := rec.RecordSchedule(ctx, nil, "coder-1", "write_code", nil)
	require.NoError(t, err)

	got, err := s.Get(ctx, scheduleID)
	require.NoError(t, err)
	assert.Nil(t, got.ParentID)
}

func TestRecorder_BroadcastParentedWithinCausalWindow(t *testing.T) {
	rec, s := newTestRecorder(t, 30*time.Second)
	ctx := context.Background()

	scheduleID, err := rec.RecordSchedule(ctx, nil, "coder-1", "write_code", nil)
	require.NoError(t, err)

	rec.OnStatusChange(registry.StatusEvent{
		Agent:     "coder-1",
		Group:     "coder",
		OldStatus: registry.StatusOnline,
		NewStatus: registry.StatusBusy,
		Timestamp: time.Now().UTC(),
	})

	typ := EntryBroadcast
	entries, err := s.Query(ctx, Filter{Type: &typ})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].ParentID)
	assert.Equal(t, scheduleID, *entries[0].ParentID)
	assert.Equal(t, "busy", entries[0].Payload["new_status"])
	assert.Equal(t, "coder", entries[0].Payload["group"])
}

func TestRecorder_BroadcastOutsideWindowIsUnparented(t *testing.T) {
	rec, s := newTestRecorder(t, 30*time.Second)
	ctx := context.Background()

	// Dispatch activity well before the window.
	old := &Entry{
		Type: EntrySchedule, Agent: strPtr("coder-1"), Tool: strPtr("write_code"),
		Status: StatusPending, Timestamp: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, s.Append(ctx, old))

	rec.OnStatusChange(registry.StatusEvent{
		Agent:     "coder-1",
		Group:     "coder",
		OldStatus: registry.StatusBusy,
		NewStatus: registry.StatusOnline,
		Timestamp: time.Now().UTC(),
	})

	typ := EntryBroadcast
	entries, err := s.Query(ctx, Filter{Type: &typ})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].ParentID)
}

func TestRecorder_ZeroWindowDisablesLinking(t *testing.T) {
	rec, s := newTestRecorder(t, 0)
	ctx := context.Background()

	_, err := rec.RecordSchedule(ctx, nil, "coder-1", "write_code", nil)
	require.NoError(t, err)

	rec.OnStatusChange(registry.StatusEvent{
		Agent:     "coder-1",
		Group:     "coder",
		OldStatus: registry.StatusOnline,
		NewStatus: registry.StatusOffline,
		Timestamp: time.Now().UTC(),
	})

	typ := EntryBroadcast
	entries, err := s.Query(ctx, Filter{Type: &typ})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].ParentID)
}
