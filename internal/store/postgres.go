package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/localchat/internal/db"
	"github.com/stupiduntilnot/localchat/internal/model"
)

// PostgresStore persists turns and audit events in PostgreSQL.
type PostgresStore struct {
	pool  *pgxpool.Pool
	audit auditor
	now   func() time.Time
}

func NewPostgresStore(ctx context.Context, databaseURL string, logger zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, storageErr(OpInit, errors.Wrap(err, "connect postgres"))
	}

	s := &PostgresStore{pool: pool, now: time.Now}
	s.audit = auditor{events: s, logger: logger.With().Str("component", "message_store").Logger()}

	if err := initPostgresSchema(ctx, pool); err != nil {
		logger.Error().Err(err).Msg("failed to initialize message schema")
		if _, lerr := s.LogEvent(ctx, nil, db.EventSchemaFailed, map[string]any{"error": err.Error()}); lerr != nil {
			logger.Debug().Err(lerr).Msg("schema failure not recorded")
		}
	} else {
		logger.Info().Msg("message schema ready")
	}
	return s, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			timestamp BIGINT NOT NULL DEFAULT (EXTRACT(EPOCH FROM now())::BIGINT),
			parent_id BIGINT,
			event_type TEXT NOT NULL,
			payload TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events (parent_id);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return errors.Wrapf(err, "init schema failed on %q", stmt)
		}
	}
	return nil
}

func (s *PostgresStore) LogEvent(ctx context.Context, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON *string
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, errors.Wrap(err, "marshal event payload")
		}
		str := string(data)
		payloadJSON = &str
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO events (parent_id, event_type, payload) VALUES ($1, $2, $3) RETURNING id`,
		parentID, eventType, payloadJSON,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrapf(err, "insert event %s", eventType)
	}
	return id, nil
}

func (s *PostgresStore) Append(ctx context.Context, role model.Role, content string) (model.Turn, error) {
	turn, err := s.append(ctx, role, content)
	s.audit.record(ctx, OpAppend, db.EventStoreAppend, err, map[string]any{
		"role": string(role),
		"id":   turn.ID,
	})
	return turn, err
}

func (s *PostgresStore) append(ctx context.Context, role model.Role, content string) (model.Turn, error) {
	if err := validateAppend(role, content); err != nil {
		return model.Turn{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Turn{}, storageErr(OpAppend, errors.Wrap(err, "begin"))
	}
	defer tx.Rollback(ctx)

	// Under READ COMMITTED two concurrent appends may read the same newest
	// row, so monotonic timestamps hold only for a single writer.
	turn := model.Turn{Role: role, Content: content}
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (role, content, timestamp)
		 VALUES ($1, $2, GREATEST($3::timestamptz,
			COALESCE((SELECT timestamp FROM messages ORDER BY id DESC LIMIT 1), $3::timestamptz)))
		 RETURNING id, timestamp`,
		string(role), content, s.now().UTC(),
	).Scan(&turn.ID, &turn.Timestamp)
	if err != nil {
		return model.Turn{}, storageErr(OpAppend, errors.Wrap(err, "insert message"))
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Turn{}, storageErr(OpAppend, errors.Wrap(err, "commit"))
	}
	turn.Timestamp = turn.Timestamp.UTC()
	return turn, nil
}

func (s *PostgresStore) LoadRecent(ctx context.Context, limit int) ([]model.Turn, error) {
	turns, err := s.loadRecent(ctx, limit)
	s.audit.record(ctx, OpLoadRecent, db.EventStoreLoadRecent, err, map[string]any{
		"limit": limit,
		"count": len(turns),
	})
	return turns, err
}

func (s *PostgresStore) loadRecent(ctx context.Context, limit int) ([]model.Turn, error) {
	if limit <= 0 {
		return []model.Turn{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, role, content, timestamp FROM messages ORDER BY id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, storageErr(OpLoadRecent, errors.Wrap(err, "query messages"))
	}
	defer rows.Close()

	items := make([]model.Turn, 0, min(limit, loadPrealloc))
	for rows.Next() {
		var (
			t    model.Turn
			role string
		)
		if err := rows.Scan(&t.ID, &role, &t.Content, &t.Timestamp); err != nil {
			return nil, storageErr(OpLoadRecent, errors.Wrap(err, "scan message"))
		}
		if t.Role, err = model.ParseRole(role); err != nil {
			return nil, storageErr(OpLoadRecent, errors.Wrapf(err, "message %d", t.ID))
		}
		t.Timestamp = t.Timestamp.UTC()
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(OpLoadRecent, errors.Wrap(err, "iterate messages"))
	}

	reverse(items)
	return items, nil
}

func (s *PostgresStore) ClearAll(ctx context.Context) error {
	deleted, err := s.clearAll(ctx)
	s.audit.record(ctx, OpClearAll, db.EventStoreClearAll, err, map[string]any{
		"deleted": deleted,
	})
	return err
}

func (s *PostgresStore) clearAll(ctx context.Context) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, storageErr(OpClearAll, errors.Wrap(err, "begin"))
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM messages`)
	if err != nil {
		return 0, storageErr(OpClearAll, errors.Wrap(err, "delete messages"))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, storageErr(OpClearAll, errors.Wrap(err, "commit"))
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
