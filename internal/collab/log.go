// ABOUTME: Collaboration log entry model and append/query/chain operations.
// ABOUTME: Entries form causal chains via parent_id, always rooted at a decision.

package collab

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// tsFormat is the fixed-width timestamp format stored in the ts column.
// Fixed width keeps SQL string comparison identical to time order; variable
// fraction widths would break range filters at sub-second boundaries.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ErrEntryNotFound indicates no log entry exists with the given id.
var ErrEntryNotFound = errors.New("log entry not found")

// ErrParentNotFound indicates an appended entry references a parent id that
// does not resolve to an existing entry.
var ErrParentNotFound = errors.New("parent log entry not found")

// EntryType classifies a collaboration log entry.
type EntryType string

const (
	EntryDecision  EntryType = "decision"  // reasoning produced a plan
	EntrySchedule  EntryType = "schedule"  // a tool call was scheduled
	EntryExecution EntryType = "execution" // a forwarded call completed or failed
	EntryBroadcast EntryType = "broadcast" // an agent status change was published
)

// Entry statuses.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Entry is a single immutable collaboration log record. Following ParentID
// links from any entry terminates at a root entry with no parent; parents
// must exist before children, so chains can never cycle.
type Entry struct {
	ID        int64
	Type      EntryType
	Timestamp time.Time
	Agent     *string // group/name involved, nil for pure decisions
	Tool      *string
	Status    string
	Payload   map[string]any
	ParentID  *int64
}

// Filter specifies query criteria. Nil fields match everything.
type Filter struct {
	Agent   *string
	Type    *EntryType
	Status  *string
	Keyword *string // free-text match over tool name and payload
	Since   *time.Time
	Until   *time.Time
	Limit   int // default 100, max 1000
}

// Append validates the parent reference, assigns the next monotonic id, and
// stores the entry. The assigned id and timestamp are written back to e.
func (s *Store) Append(ctx context.Context, e *Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}

	if e.ParentID != nil {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM collab_log WHERE id = ?`, *e.ParentID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("parent %d: %w", *e.ParentID, ErrParentNotFound)
		}
		if err != nil {
			return fmt.Errorf("checking parent entry: %w", err)
		}
	}

	var payloadJSON *string
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshaling payload: %w", err)
		}
		str := string(data)
		payloadJSON = &str
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO collab_log (type, ts, agent, tool, status, payload_json, parent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		string(e.Type),
		e.Timestamp.UTC().Format(tsFormat),
		e.Agent,
		e.Tool,
		e.Status,
		payloadJSON,
		e.ParentID,
	)
	if err != nil {
		return fmt.Errorf("inserting log entry: %w", err)
	}

	e.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading entry id: %w", err)
	}

	s.logger.Debug("appended log entry",
		"id", e.ID,
		"type", e.Type,
		"status", e.Status,
	)
	return nil
}

// normalizeLimit applies default (100) and cap (1000) to a query limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const entryColumns = `id, type, ts, agent, tool, status, payload_json, parent_id`

// scanEntry scans a row into an Entry.
func scanEntry(scanner interface{ Scan(dest ...any) error }) (Entry, error) {
	var e Entry
	var typeStr, tsStr string
	var payloadJSON *string

	if err := scanner.Scan(
		&e.ID,
		&typeStr,
		&tsStr,
		&e.Agent,
		&e.Tool,
		&e.Status,
		&payloadJSON,
		&e.ParentID,
	); err != nil {
		return e, fmt.Errorf("scanning log entry: %w", err)
	}

	e.Type = EntryType(typeStr)
	var err error
	e.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if payloadJSON != nil {
		if err := json.Unmarshal([]byte(*payloadJSON), &e.Payload); err != nil {
			return e, fmt.Errorf("unmarshaling payload: %w", err)
		}
	}
	return e, nil
}

// Get retrieves a single entry by id. Returns ErrEntryNotFound if absent.
func (s *Store) Get(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM collab_log WHERE id = ?`, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %d: %w", id, ErrEntryNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

const queryLogSQL = `
	SELECT ` + entryColumns + `
	FROM collab_log
	WHERE (? IS NULL OR agent = ?)
	  AND (? IS NULL OR type = ?)
	  AND (? IS NULL OR status = ?)
	  AND (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR tool LIKE ? OR payload_json LIKE ?)
	ORDER BY id ASC
	LIMIT ?
`

// Query returns entries matching the filter in insertion order, which for
// same-agent chains is also causal order.
func (s *Store) Query(ctx context.Context, f Filter) ([]Entry, error) {
	limit := normalizeLimit(f.Limit)

	var typeStr, sinceStr, untilStr, keywordPat *string
	if f.Type != nil {
		t := string(*f.Type)
		typeStr = &t
	}
	if f.Since != nil {
		v := f.Since.UTC().Format(tsFormat)
		sinceStr = &v
	}
	if f.Until != nil {
		v := f.Until.UTC().Format(tsFormat)
		untilStr = &v
	}
	if f.Keyword != nil {
		pat := "%" + *f.Keyword + "%"
		keywordPat = &pat
	}

	rows, err := s.db.QueryContext(ctx, queryLogSQL,
		f.Agent, f.Agent,
		typeStr, typeStr,
		f.Status, f.Status,
		sinceStr, sinceStr,
		untilStr, untilStr,
		keywordPat, keywordPat, keywordPat,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating log entries: %w", err)
	}
	return entries, nil
}

// Chain reconstructs the full causal chain around an entry: all ancestors up
// to the root, the entry itself, and all transitive descendants. Results are
// in insertion order. Traversal never revisits an entry.
func (s *Store) Chain(ctx context.Context, id int64) ([]Entry, error) {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	visited := map[int64]bool{entry.ID: true}
	var ancestors []Entry

	// Walk parent links to the root. The visited guard makes a corrupt
	// chain terminate instead of looping.
	current := entry
	for current.ParentID != nil {
		if visited[*current.ParentID] {
			break
		}
		parent, err := s.Get(ctx, *current.ParentID)
		if err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				break
			}
			return nil, err
		}
		visited[parent.ID] = true
		ancestors = append([]Entry{*parent}, ancestors...)
		current = parent
	}

	chain := append(ancestors, *entry)

	// Breadth-first walk over descendants.
	frontier := []int64{entry.ID}
	for len(frontier) > 0 {
		var next []int64
		for _, parentID := range frontier {
			rows, err := s.db.QueryContext(ctx,
				`SELECT `+entryColumns+` FROM collab_log WHERE parent_id = ? ORDER BY id ASC`,
				parentID)
			if err != nil {
				return nil, fmt.Errorf("querying descendants: %w", err)
			}
			for rows.Next() {
				e, err := scanEntry(rows)
				if err != nil {
					rows.Close()
					return nil, err
				}
				if visited[e.ID] {
					continue
				}
				visited[e.ID] = true
				chain = append(chain, e)
				next = append(next, e.ID)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, fmt.Errorf("iterating descendants: %w", err)
			}
			rows.Close()
		}
		frontier = next
	}

	return chain, nil
}

// LatestForAgent returns the most recent schedule or execution entry for the
// given agent at or after since, or nil when none exists. Used to parent
// broadcast entries inside the causal window.
func (s *Store) LatestForAgent(ctx context.Context, agent string, since time.Time) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM collab_log
		WHERE agent = ?
		  AND type IN ('schedule', 'execution')
		  AND ts >= ?
		ORDER BY id DESC
		LIMIT 1
	`, agent, since.UTC().Format(tsFormat))

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Stats aggregates entry counts for observability endpoints.
type Stats struct {
	Total    int64
	ByType   map[string]int64
	ByStatus map[string]int64
	ByAgent  map[string]int64
}

// GetStats returns aggregate counts over the whole log.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByType:   make(map[string]int64),
		ByStatus: make(map[string]int64),
		ByAgent:  make(map[string]int64),
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM collab_log`).Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("counting log entries: %w", err)
	}

	groupCounts := []struct {
		query string
		dest  map[string]int64
	}{
		{`SELECT type, COUNT(*) FROM collab_log GROUP BY type`, stats.ByType},
		{`SELECT status, COUNT(*) FROM collab_log GROUP BY status`, stats.ByStatus},
		{`SELECT agent, COUNT(*) FROM collab_log WHERE agent IS NOT NULL GROUP BY agent`, stats.ByAgent},
	}

	for _, gc := range groupCounts {
		rows, err := s.db.QueryContext(ctx, gc.query)
		if err != nil {
			return nil, fmt.Errorf("querying log stats: %w", err)
		}
		for rows.Next() {
			var key string
			var count int64
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning stats row: %w", err)
			}
			gc.dest[key] = count
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterating stats rows: %w", err)
		}
		rows.Close()
	}

	return stats, nil
}

// Prune deletes entries older than the cutoff and returns the count removed.
// Retention is a configuration concern; the log itself stays append-only.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM collab_log WHERE ts < ?`,
		olderThan.UTC().Format(tsFormat))
	if err != nil {
		return 0, fmt.Errorf("pruning log: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if removed > 0 {
		s.logger.Info("pruned collaboration log", "removed", removed)
	}
	return removed, nil
}
