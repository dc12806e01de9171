package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veldaine/unifyd/internal/infrastructure/database"
	"github.com/veldaine/unifyd/internal/state"
)

// writeTimeout bounds each journal insert; the journal must never stall
// the aggregation loop for long.
const writeTimeout = 2 * time.Second

// Logger defines the logging interface used by the Journal.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Entry is one persisted change row.
type Entry struct {
	Sequence   uint64           `json:"sequence"`
	Category   state.Category   `json:"category"`
	Backend    state.Backend    `json:"backend"`
	Type       state.ChangeType `json:"type"`
	EntityID   string           `json:"entity_id"`
	Payload    json.RawMessage  `json:"payload"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// Query filters a journal read. Zero values mean "no filter".
type Query struct {
	Category state.Category
	EntityID string
	Since    uint64
	Limit    int
}

// Journal persists normalised changes to SQLite and trims old rows to a
// bounded row count. It satisfies the aggregator's Recorder contract.
type Journal struct {
	db        *database.DB
	retention int
	logger    Logger
}

// New creates a journal over an opened, migrated database. Retention is
// the maximum number of rows kept; older rows are deleted as new ones
// arrive. A retention of zero disables trimming.
func New(db *database.DB, retention int) *Journal {
	return &Journal{
		db:        db,
		retention: retention,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the journal.
func (j *Journal) SetLogger(logger Logger) {
	j.logger = logger
}

// Record persists one change. The entity payload is stored as JSON so the
// journal survives schema evolution of the entity types.
func (j *Journal) Record(change state.NormalizedChange) error {
	payload, err := marshalPayload(change)
	if err != nil {
		return fmt.Errorf("journal: encoding payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err = j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO changes (seq, category, backend, change_type, entity_id, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		change.Sequence,
		string(change.Category),
		string(change.Backend),
		string(change.Type),
		change.EntityID,
		string(payload),
		change.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal: inserting change %d: %w", change.Sequence, err)
	}

	if j.retention > 0 {
		if err := j.trim(ctx); err != nil {
			j.logger.Warn("journal trim failed", "error", err)
		}
	}
	return nil
}

// trim deletes rows beyond the retention window, oldest first.
func (j *Journal) trim(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, `
		DELETE FROM changes
		WHERE seq <= (SELECT MAX(seq) FROM changes) - ?`,
		j.retention,
	)
	return err
}

// Recent returns journal entries matching the query, newest first.
// Limit defaults to 100 when unset.
func (j *Journal) Recent(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT seq, category, backend, change_type, entity_id, payload, recorded_at FROM changes WHERE 1=1`
	args := []interface{}{}
	if q.Category != "" {
		query += " AND category = ?"
		args = append(args, string(q.Category))
	}
	if q.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, q.EntityID)
	}
	if q.Since > 0 {
		query += " AND seq > ?"
		args = append(args, q.Since)
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: querying changes: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var category, backend, changeType, payload, recordedAt string
		if err := rows.Scan(&e.Sequence, &category, &backend, &changeType, &e.EntityID, &payload, &recordedAt); err != nil {
			return nil, fmt.Errorf("journal: scanning change row: %w", err)
		}
		e.Category = state.Category(category)
		e.Backend = state.Backend(backend)
		e.Type = state.ChangeType(changeType)
		e.Payload = json.RawMessage(payload)
		e.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt) //nolint:errcheck // Format is controlled
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating change rows: %w", err)
	}
	return entries, nil
}

// Count returns the number of persisted rows.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM changes").Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: counting changes: %w", err)
	}
	return n, nil
}

// marshalPayload serialises whichever entity the change carries. Removal
// changes carry no entity and store an empty object.
func marshalPayload(change state.NormalizedChange) ([]byte, error) {
	switch {
	case change.Device != nil:
		return json.Marshal(change.Device)
	case change.Audio != nil:
		return json.Marshal(change.Audio)
	case change.Network != nil:
		return json.Marshal(change.Network)
	default:
		return []byte("{}"), nil
	}
}
