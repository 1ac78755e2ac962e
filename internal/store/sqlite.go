package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/localchat/internal/db"
	"github.com/stupiduntilnot/localchat/internal/model"
)

// SQLiteStore persists turns in the messages table of a SQLite database.
// Every operation runs in its own transaction.
type SQLiteStore struct {
	db     *sql.DB
	events *db.SQLiteEventLog
	audit  auditor
	now    func() time.Time
}

// NewSQLiteStore wraps an already opened database. The schema is expected to
// exist; see db.InitSchema.
func NewSQLiteStore(database *sql.DB, logger zerolog.Logger) *SQLiteStore {
	events := &db.SQLiteEventLog{DB: database}
	return &SQLiteStore{
		db:     database,
		events: events,
		audit:  auditor{events: events, logger: logger.With().Str("component", "message_store").Logger()},
		now:    time.Now,
	}
}

// OpenSQLite opens the database at path and creates the schema. A schema
// failure is logged and the store is still returned; later operations report
// their own StorageError.
func OpenSQLite(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	database, err := db.OpenDB(path)
	if err != nil {
		return nil, storageErr(OpInit, err)
	}
	s := NewSQLiteStore(database, logger)
	if err := db.InitSchema(database); err != nil {
		logger.Error().Err(err).Str("path", path).Msg("failed to initialize message schema")
		s.recordSchemaFailure(err)
	} else {
		logger.Info().Str("path", path).Msg("message schema ready")
	}
	return s, nil
}

// recordSchemaFailure is best effort: the events table itself may be missing.
func (s *SQLiteStore) recordSchemaFailure(schemaErr error) {
	if _, err := s.events.LogEvent(context.Background(), nil, db.EventSchemaFailed, map[string]any{
		"error": schemaErr.Error(),
	}); err != nil {
		s.audit.logger.Debug().Err(err).Msg("schema failure not recorded")
	}
}

// DB exposes the underlying handle for audit queries.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// LogEvent makes the store usable as the process audit log.
func (s *SQLiteStore) LogEvent(ctx context.Context, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	return s.events.LogEvent(ctx, parentID, eventType, payload)
}

func (s *SQLiteStore) Append(ctx context.Context, role model.Role, content string) (model.Turn, error) {
	turn, err := s.append(ctx, role, content)
	s.audit.record(ctx, OpAppend, db.EventStoreAppend, err, map[string]any{
		"role": string(role),
		"id":   turn.ID,
	})
	return turn, err
}

func (s *SQLiteStore) append(ctx context.Context, role model.Role, content string) (model.Turn, error) {
	if err := validateAppend(role, content); err != nil {
		return model.Turn{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Turn{}, storageErr(OpAppend, errors.Wrap(err, "begin"))
	}
	defer tx.Rollback()

	// Timestamps never go backwards relative to earlier ids, even if the
	// wall clock does. The newest row by id therefore holds the maximum.
	var id, millis int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (role, content, timestamp)
		 VALUES (?, ?, MAX(?, COALESCE((SELECT timestamp FROM messages ORDER BY id DESC LIMIT 1), 0)))
		 RETURNING id, timestamp`,
		string(role), content, s.now().UnixMilli(),
	).Scan(&id, &millis)
	if err != nil {
		return model.Turn{}, storageErr(OpAppend, errors.Wrap(err, "insert message"))
	}
	if err := tx.Commit(); err != nil {
		return model.Turn{}, storageErr(OpAppend, errors.Wrap(err, "commit"))
	}

	return model.Turn{
		ID:        id,
		Role:      role,
		Content:   content,
		Timestamp: time.UnixMilli(millis).UTC(),
	}, nil
}

// LoadRecent returns the most recent `limit` turns, ordered chronologically
// (oldest first).
func (s *SQLiteStore) LoadRecent(ctx context.Context, limit int) ([]model.Turn, error) {
	turns, err := s.loadRecent(ctx, limit)
	s.audit.record(ctx, OpLoadRecent, db.EventStoreLoadRecent, err, map[string]any{
		"limit": limit,
		"count": len(turns),
	})
	return turns, err
}

func (s *SQLiteStore) loadRecent(ctx context.Context, limit int) ([]model.Turn, error) {
	if limit <= 0 {
		return []model.Turn{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, timestamp FROM messages ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, storageErr(OpLoadRecent, errors.Wrap(err, "query messages"))
	}
	defer rows.Close()

	results := make([]model.Turn, 0, min(limit, loadPrealloc))
	for rows.Next() {
		var (
			id      int64
			role    string
			content string
			millis  int64
		)
		if err := rows.Scan(&id, &role, &content, &millis); err != nil {
			return nil, storageErr(OpLoadRecent, errors.Wrap(err, "scan message"))
		}
		r, err := model.ParseRole(role)
		if err != nil {
			return nil, storageErr(OpLoadRecent, errors.Wrapf(err, "message %d", id))
		}
		results = append(results, model.Turn{
			ID:        id,
			Role:      r,
			Content:   content,
			Timestamp: time.UnixMilli(millis).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(OpLoadRecent, errors.Wrap(err, "iterate messages"))
	}

	reverse(results)
	return results, nil
}

// ClearAll deletes every turn inside one transaction. Ids are not reused
// afterwards.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	deleted, err := s.clearAll(ctx)
	s.audit.record(ctx, OpClearAll, db.EventStoreClearAll, err, map[string]any{
		"deleted": deleted,
	})
	return err
}

func (s *SQLiteStore) clearAll(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr(OpClearAll, errors.Wrap(err, "begin"))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM messages`)
	if err != nil {
		return 0, storageErr(OpClearAll, errors.Wrap(err, "delete messages"))
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr(OpClearAll, errors.Wrap(err, "commit"))
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func reverse(turns []model.Turn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}
