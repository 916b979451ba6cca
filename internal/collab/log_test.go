// ABOUTME: Tests for the collaboration log: append, query, chain, stats, prune.
// ABOUTME: Uses an in-memory SQLite database per test.

package collab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func appendEntry(t *testing.T, s *Store, e *Entry) int64 {
	t.Helper()
	require.NoError(t, s.Append(context.Background(), e))
	return e.ID
}

func TestStore_AppendAssignsMonotonicIDs(t *testing.T) {
	s := newTestStore(t)

	var prev int64
	for i := 0; i < 5; i++ {
		id := appendEntry(t, s, &Entry{Type: EntryDecision, Status: StatusSuccess})
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestStore_AppendRejectsMissingParent(t *testing.T) {
	s := newTestStore(t)

	missing := int64(999)
	err := s.Append(context.Background(), &Entry{
		Type:     EntrySchedule,
		Agent:    strPtr("coder-1"),
		Status:   StatusPending,
		ParentID: &missing,
	})
	assert.ErrorIs(t, err, ErrParentNotFound)
}

func TestStore_GetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	id := appendEntry(t, s, &Entry{
		Type:   EntrySchedule,
		Agent:  strPtr("coder-1"),
		Tool:   strPtr("write_code"),
		Status: StatusPending,
		Payload: map[string]any{
			"parameters": map[string]any{"path": "main.go"},
		},
	})

	got, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, EntrySchedule, got.Type)
	assert.Equal(t, "coder-1", *got.Agent)
	assert.Equal(t, "write_code", *got.Tool)
	assert.Equal(t, StatusPending, got.Status)
	assert.NotNil(t, got.Payload["parameters"])
	assert.Nil(t, got.ParentID)

	_, err = s.Get(context.Background(), id+100)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestStore_QueryFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	decisionID := appendEntry(t, s, &Entry{
		Type:    EntryDecision,
		Status:  StatusSuccess,
		Payload: map[string]any{"task": "ship the release"},
	})
	appendEntry(t, s, &Entry{
		Type:     EntrySchedule,
		Agent:    strPtr("coder-1"),
		Tool:     strPtr("write_code"),
		Status:   StatusPending,
		ParentID: &decisionID,
	})
	appendEntry(t, s, &Entry{
		Type:   EntryExecution,
		Agent:  strPtr("coder-1"),
		Tool:   strPtr("write_code"),
		Status: StatusError,
		Payload: map[string]any{
			"error": "connection refused",
		},
	})
	appendEntry(t, s, &Entry{
		Type:   EntryExecution,
		Agent:  strPtr("tester-1"),
		Tool:   strPtr("run_tests"),
		Status: StatusSuccess,
	})

	t.Run("no filter returns everything in insertion order", func(t *testing.T) {
		entries, err := s.Query(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, entries, 4)
		for i := 1; i < len(entries); i++ {
			assert.Greater(t, entries[i].ID, entries[i-1].ID)
		}
	})

	t.Run("by agent", func(t *testing.T) {
		entries, err := s.Query(ctx, Filter{Agent: strPtr("coder-1")})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("by type", func(t *testing.T) {
		typ := EntryExecution
		entries, err := s.Query(ctx, Filter{Type: &typ})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("by status", func(t *testing.T) {
		entries, err := s.Query(ctx, Filter{Status: strPtr(StatusError)})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "coder-1", *entries[0].Agent)
	})

	t.Run("by keyword over tool and payload", func(t *testing.T) {
		entries, err := s.Query(ctx, Filter{Keyword: strPtr("run_tests")})
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		entries, err = s.Query(ctx, Filter{Keyword: strPtr("connection refused")})
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("combined filters", func(t *testing.T) {
		typ := EntryExecution
		entries, err := s.Query(ctx, Filter{Agent: strPtr("coder-1"), Type: &typ})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, StatusError, entries[0].Status)
	})

	t.Run("limit", func(t *testing.T) {
		entries, err := s.Query(ctx, Filter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})
}

func TestStore_QueryTimeWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	appendEntry(t, s, &Entry{Type: EntryDecision, Timestamp: early, Status: StatusSuccess})
	appendEntry(t, s, &Entry{Type: EntryDecision, Timestamp: late, Status: StatusSuccess})

	cut := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	entries, err := s.Query(ctx, Filter{Since: &cut})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, late, entries[0].Timestamp.UTC())

	entries, err = s.Query(ctx, Filter{Until: &cut})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, early, entries[0].Timestamp.UTC())
}

func TestStore_QuerySubSecondBoundaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	// Fractional-second timestamps with different digit counts must still
	// compare in time order inside range filters.
	before := appendEntry(t, s, &Entry{
		Type: EntryDecision, Status: StatusSuccess,
		Timestamp: base.Add(480 * time.Millisecond), // .48s
	})
	after := appendEntry(t, s, &Entry{
		Type: EntryDecision, Status: StatusSuccess,
		Timestamp: base.Add(520 * time.Millisecond), // .52s
	})

	cut := base.Add(500 * time.Millisecond) // .5s

	entries, err := s.Query(ctx, Filter{Since: &cut})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, after, entries[0].ID)

	entries, err = s.Query(ctx, Filter{Until: &cut})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, before, entries[0].ID)

	// Same boundary discipline for the causal-window lookup and pruning.
	schedID := appendEntry(t, s, &Entry{
		Type: EntrySchedule, Agent: strPtr("coder-1"), Tool: strPtr("write_code"),
		Status: StatusPending, Timestamp: base.Add(520 * time.Millisecond),
	})
	latest, err := s.LatestForAgent(ctx, "coder-1", cut)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, schedID, latest.ID)

	removed, err := s.Prune(ctx, cut)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed) // only the .48s entry
}

func TestStore_ChainWalksAncestorsAndDescendants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	decision := appendEntry(t, s, &Entry{Type: EntryDecision, Status: StatusSuccess})
	schedule := appendEntry(t, s, &Entry{
		Type: EntrySchedule, Agent: strPtr("coder-1"), Tool: strPtr("write_code"),
		Status: StatusPending, ParentID: &decision,
	})
	exec1 := appendEntry(t, s, &Entry{
		Type: EntryExecution, Agent: strPtr("coder-1"), Tool: strPtr("write_code"),
		Status: StatusError, ParentID: &schedule,
	})
	exec2 := appendEntry(t, s, &Entry{
		Type: EntryExecution, Agent: strPtr("coder-2"), Tool: strPtr("write_code"),
		Status: StatusSuccess, ParentID: &schedule,
	})
	broadcast := appendEntry(t, s, &Entry{
		Type: EntryBroadcast, Agent: strPtr("coder-1"),
		Status: StatusSuccess, ParentID: &exec1,
	})
	// Unrelated chain must not appear.
	appendEntry(t, s, &Entry{Type: EntryDecision, Status: StatusSuccess})

	// From the middle: ancestors up to the decision, then all descendants.
	chain, err := s.Chain(ctx, schedule)
	require.NoError(t, err)

	ids := make([]int64, len(chain))
	for i, e := range chain {
		ids[i] = e.ID
	}
	assert.ElementsMatch(t, []int64{decision, schedule, exec1, exec2, broadcast}, ids)
	assert.Equal(t, decision, ids[0])
	assert.Equal(t, schedule, ids[1])

	// From a leaf the same full chain comes back.
	chain, err = s.Chain(ctx, broadcast)
	require.NoError(t, err)
	assert.Len(t, chain, 4) // decision, schedule, exec1, broadcast — exec2 is a sibling branch

	_, err = s.Chain(ctx, 9999)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestStore_LatestForAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	appendEntry(t, s, &Entry{
		Type: EntrySchedule, Agent: strPtr("coder-1"), Tool: strPtr("write_code"),
		Status: StatusPending, Timestamp: base,
	})
	execID := appendEntry(t, s, &Entry{
		Type: EntryExecution, Agent: strPtr("coder-1"), Tool: strPtr("write_code"),
		Status: StatusSuccess, Timestamp: base.Add(time.Second),
	})
	// Broadcasts never parent other broadcasts.
	appendEntry(t, s, &Entry{
		Type: EntryBroadcast, Agent: strPtr("coder-1"),
		Status: StatusSuccess, Timestamp: base.Add(2 * time.Second),
	})

	latest, err := s.LatestForAgent(ctx, "coder-1", base)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, execID, latest.ID)

	// Outside the window.
	latest, err = s.LatestForAgent(ctx, "coder-1", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, latest)

	latest, err = s.LatestForAgent(ctx, "ghost", base)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestStore_GetStats(t *testing.T) {
	s := newTestStore(t)

	appendEntry(t, s, &Entry{Type: EntryDecision, Status: StatusSuccess})
	appendEntry(t, s, &Entry{Type: EntrySchedule, Agent: strPtr("coder-1"), Status: StatusPending})
	appendEntry(t, s, &Entry{Type: EntryExecution, Agent: strPtr("coder-1"), Status: StatusSuccess})
	appendEntry(t, s, &Entry{Type: EntryExecution, Agent: strPtr("tester-1"), Status: StatusError})

	stats, err := s.GetStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(2), stats.ByType["execution"])
	assert.Equal(t, int64(1), stats.ByType["decision"])
	assert.Equal(t, int64(2), stats.ByStatus["success"])
	assert.Equal(t, int64(1), stats.ByStatus["error"])
	assert.Equal(t, int64(2), stats.ByAgent["coder-1"])
	assert.Equal(t, int64(1), stats.ByAgent["tester-1"])
}

func TestStore_PruneRemovesOldEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	oldID := appendEntry(t, s, &Entry{Type: EntryDecision, Timestamp: old, Status: StatusSuccess})
	// A recent child of an old parent survives with its parent link cleared.
	appendEntry(t, s, &Entry{
		Type: EntrySchedule, Agent: strPtr("coder-1"),
		Status: StatusPending, Timestamp: recent, ParentID: &oldID,
	})

	removed, err := s.Prune(ctx, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	entries, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EntrySchedule, entries[0].Type)
	assert.Nil(t, entries[0].ParentID)
}
