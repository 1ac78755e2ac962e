package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stupiduntilnot/localchat/internal/db"
	"github.com/stupiduntilnot/localchat/internal/model"
)

// Operation names used in StorageError and audit records.
const (
	OpInit       = "init"
	OpAppend     = "append"
	OpLoadRecent = "load_recent"
	OpClearAll   = "clear_all"
)

// loadPrealloc caps the capacity LoadRecent reserves before scanning rows.
const loadPrealloc = 64

// ErrEmptyContent is returned when appending a turn without content.
var ErrEmptyContent = errors.New("content must not be empty")

// MessageStore is the durable append-only log of dialogue turns.
//
// The store does not enforce role alternation; ordering is the caller's
// concern. LoadRecent always returns turns oldest-first.
type MessageStore interface {
	Append(ctx context.Context, role model.Role, content string) (model.Turn, error)
	LoadRecent(ctx context.Context, limit int) ([]model.Turn, error)
	ClearAll(ctx context.Context) error
	Close() error
}

// StorageError reports a failure initializing, writing, reading or clearing
// the persisted log.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err wraps a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsStorageError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func validateAppend(role model.Role, content string) error {
	if !role.Valid() {
		return storageErr(OpAppend, errors.Errorf("invalid role %q", role))
	}
	if strings.TrimSpace(content) == "" {
		return storageErr(OpAppend, ErrEmptyContent)
	}
	return nil
}

// Options selects and configures the message store backend.
type Options struct {
	// DatabaseURL selects PostgreSQL when non-empty.
	DatabaseURL string
	// DBPath is the SQLite file used when DatabaseURL is empty.
	DBPath string
	Logger *zerolog.Logger
}

// Open creates a postgres-backed store when a database URL is configured,
// otherwise a SQLite store at DBPath.
func Open(ctx context.Context, opts Options) (MessageStore, error) {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if strings.TrimSpace(opts.DatabaseURL) != "" {
		pg, err := NewPostgresStore(ctx, opts.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	lite, err := OpenSQLite(opts.DBPath, logger)
	if err != nil {
		return nil, err
	}
	return lite, nil
}

// auditor writes one informational record per store operation, to the logger
// and to the events table. Audit failures never affect the operation result.
type auditor struct {
	events db.EventLog
	logger zerolog.Logger
}

func (a auditor) record(ctx context.Context, op, eventType string, opErr error, fields map[string]any) {
	payload := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	payload["ok"] = opErr == nil
	if opErr != nil {
		payload["error"] = opErr.Error()
	}

	a.logger.Info().
		Str("op", op).
		Fields(payload).
		Msg("message store operation")

	if a.events == nil {
		return
	}
	if _, err := a.events.LogEvent(ctx, db.ParentEvent(ctx), eventType, payload); err != nil {
		a.logger.Debug().Err(err).Str("op", op).Msg("audit event not recorded")
	}
}

// Unavailable is a MessageStore whose storage medium could not be opened. Every
// operation fails with a StorageError wrapping the original cause, so callers
// degrade to in-memory behavior.
type Unavailable struct {
	Err    error
	Logger zerolog.Logger
}

func (u *Unavailable) Append(ctx context.Context, role model.Role, content string) (model.Turn, error) {
	err := storageErr(OpAppend, u.Err)
	auditor{logger: u.Logger}.record(ctx, OpAppend, db.EventStoreAppend, err, map[string]any{"role": string(role)})
	return model.Turn{}, err
}

func (u *Unavailable) LoadRecent(ctx context.Context, limit int) ([]model.Turn, error) {
	err := storageErr(OpLoadRecent, u.Err)
	auditor{logger: u.Logger}.record(ctx, OpLoadRecent, db.EventStoreLoadRecent, err, map[string]any{"limit": limit})
	return nil, err
}

func (u *Unavailable) ClearAll(ctx context.Context) error {
	err := storageErr(OpClearAll, u.Err)
	auditor{logger: u.Logger}.record(ctx, OpClearAll, db.EventStoreClearAll, err, nil)
	return err
}

func (u *Unavailable) Close() error { return nil }
