package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Event type constants: process events
const (
	EventProcessStarted = "process.started"
	EventSchemaFailed   = "schema.failed"
)

// Event type constants: conversation turn events
const (
	EventTurnStarted     = "turn.started"
	EventUserPersisted   = "turn.user_persisted"
	EventContextBuilt    = "turn.context_built"
	EventBackendInvoked  = "turn.backend_invoked"
	EventTurnCompleted   = "turn.completed"
	EventTurnFailed      = "turn.failed"
	EventHistoryLoaded   = "history.loaded"
	EventHistoryCleared  = "history.cleared"
	EventDisplayReset    = "display.reset"
	EventStoreAppend     = "store.append"
	EventStoreLoadRecent = "store.load_recent"
	EventStoreClearAll   = "store.clear_all"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create db directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "open db at %s", path)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping db at %s", path)
	}

	return db, nil
}

// InitSchema creates the messages log and the events audit table. It is safe
// to call repeatedly.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL DEFAULT (CAST(unixepoch('subsec') * 1000 AS INTEGER))
		);

		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);
	`)
	return errors.Wrap(err, "init schema")
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	return LogEventContext(context.Background(), db, parentID, eventType, payload)
}

// LogEventContext is LogEvent with a caller-supplied context.
func LogEventContext(ctx context.Context, db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, errors.Wrap(err, "marshal event payload")
		}
		payloadJSON = string(data)
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "insert event %s", eventType)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "get event id")
	}
	return id, nil
}

// EventLog records audit events. Implementations must be safe to call with a
// nil parentID.
type EventLog interface {
	LogEvent(ctx context.Context, parentID *int64, eventType string, payload map[string]any) (int64, error)
}

// SQLiteEventLog writes audit events into the events table of a SQLite database.
type SQLiteEventLog struct {
	DB *sql.DB
}

func (l *SQLiteEventLog) LogEvent(ctx context.Context, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	return LogEventContext(ctx, l.DB, parentID, eventType, payload)
}

type parentEventKey struct{}

// WithParentEvent attaches an audit parent event id to ctx so that nested
// operations record their events under it.
func WithParentEvent(ctx context.Context, id int64) context.Context {
	if id <= 0 {
		return ctx
	}
	return context.WithValue(ctx, parentEventKey{}, id)
}

// ParentEvent returns the audit parent event id carried by ctx, or nil.
func ParentEvent(ctx context.Context) *int64 {
	id, ok := ctx.Value(parentEventKey{}).(int64)
	if !ok {
		return nil
	}
	return &id
}
