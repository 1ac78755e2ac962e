package session

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctxpkg "github.com/stupiduntilnot/localchat/internal/context"
	"github.com/stupiduntilnot/localchat/internal/db"
	"github.com/stupiduntilnot/localchat/internal/dummy"
	"github.com/stupiduntilnot/localchat/internal/model"
	"github.com/stupiduntilnot/localchat/internal/store"
)

// faultStore is an in-memory MessageStore with injectable failures.
type faultStore struct {
	mu         sync.Mutex
	turns      []model.Turn
	nextID     int64
	failAppend bool
	failLoad   bool
	failClear  bool
	panicOnAdd bool
}

func (s *faultStore) Append(ctx context.Context, role model.Role, content string) (model.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOnAdd {
		panic("disk on fire")
	}
	if s.failAppend {
		return model.Turn{}, &store.StorageError{Op: store.OpAppend, Err: errors.New("disk full")}
	}
	s.nextID++
	t := model.Turn{ID: s.nextID, Role: role, Content: content}
	s.turns = append(s.turns, t)
	return t, nil
}

func (s *faultStore) LoadRecent(ctx context.Context, limit int) ([]model.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLoad {
		return nil, &store.StorageError{Op: store.OpLoadRecent, Err: errors.New("io error")}
	}
	if limit <= 0 {
		return []model.Turn{}, nil
	}
	start := len(s.turns) - limit
	if start < 0 {
		start = 0
	}
	return append([]model.Turn(nil), s.turns[start:]...), nil
}

func (s *faultStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failClear {
		return &store.StorageError{Op: store.OpClearAll, Err: errors.New("locked")}
	}
	s.turns = nil
	return nil
}

func (s *faultStore) Close() error { return nil }

func (s *faultStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

type panicGenerator struct{}

func (panicGenerator) Generate(ctx context.Context, prompt string, temperature float64) model.GenerationResult {
	panic("backend exploded")
}

type recordingGenerator struct {
	temps []float64
}

func (g *recordingGenerator) Generate(ctx context.Context, prompt string, temperature float64) model.GenerationResult {
	g.temps = append(g.temps, temperature)
	return model.GenerationResult{OK: true, Text: "ok"}
}

func newController(st store.MessageStore, gen model.Generator, opts ...Option) *Controller {
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	return New(st, ctxpkg.NewWindowBuilder(ctxpkg.DefaultWindowSize), gen, opts...)
}

func mustDummy(t *testing.T, script string) *dummy.Generator {
	t.Helper()
	g, err := dummy.NewGenerator(script)
	require.NoError(t, err)
	return g
}

func sampleHistory(n int) []model.Message {
	h := make([]model.Message, 0, n)
	for i := 0; i < n; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		h = append(h, model.Message{Role: role, Content: fmt.Sprintf("turn-%d", i)})
	}
	return h
}

type panicEvents struct{}

func (panicEvents) LogEvent(ctx context.Context, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	panic("audit log exploded")
}

// Every turn returns the input history extended by exactly two entries, the
// user utterance and the assistant reply, whatever the store and backend do.
// A successful first turn yields [user, assistant] from an empty history, so
// the "input + 1" count sometimes quoted for this property undercounts by the
// echoed user entry.
func TestHandleTurn_NeverFails(t *testing.T) {
	backends := map[string]func() model.Generator{
		"ok":          func() model.Generator { return mustDummy(t, "msg:fine") },
		"unavailable": func() model.Generator { return mustDummy(t, "err:unavailable") },
		"timeout":     func() model.Generator { return mustDummy(t, "err:timeout") },
		"malformed":   func() model.Generator { return mustDummy(t, "err:malformed") },
		"status":      func() model.Generator { return mustDummy(t, "status:503:busy") },
		"blank":       func() model.Generator { return mustDummy(t, "msg:") },
		"panic":       func() model.Generator { return panicGenerator{} },
	}
	stores := map[string]func() *faultStore{
		"store-ok":    func() *faultStore { return &faultStore{} },
		"store-fail":  func() *faultStore { return &faultStore{failAppend: true} },
		"store-panic": func() *faultStore { return &faultStore{panicOnAdd: true} },
	}

	for sName, mkStore := range stores {
		for bName, mkGen := range backends {
			for _, n := range []int{0, 1, 7} {
				t.Run(fmt.Sprintf("%s/%s/%d", sName, bName, n), func(t *testing.T) {
					c := newController(mkStore(), mkGen())
					history := sampleHistory(n)
					snapshot := slices.Clone(history)

					var out []model.Message
					require.NotPanics(t, func() {
						out = c.HandleTurn(context.Background(), "hola", history, 0.8)
					})
					require.Len(t, out, n+2)
					assert.Equal(t, snapshot, history, "input history must not be modified")
					assert.Equal(t, snapshot, out[:n])
					assert.Equal(t, model.Message{Role: model.RoleUser, Content: "hola"}, out[n])
					assert.Equal(t, model.RoleAssistant, out[n+1].Role)
					assert.NotEmpty(t, out[n+1].Content)
				})
			}
		}
	}
}

func TestHandleTurn_PersistsBothTurns(t *testing.T) {
	st := &faultStore{}
	c := newController(st, mustDummy(t, "msg:respuesta"))

	out := c.HandleTurn(context.Background(), "pregunta", nil, 0.8)
	require.Len(t, out, 2)
	assert.Equal(t, "respuesta", out[1].Content)

	turns, err := st.LoadRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, model.RoleUser, turns[0].Role)
	assert.Equal(t, "pregunta", turns[0].Content)
	assert.Equal(t, model.RoleAssistant, turns[1].Role)
	assert.Equal(t, "respuesta", turns[1].Content)
}

func TestHandleTurn_PersistsBackendErrorAsAssistant(t *testing.T) {
	st := &faultStore{}
	c := newController(st, mustDummy(t, "status:500:model not loaded"))

	out := c.HandleTurn(context.Background(), "hola", nil, 0.8)
	require.Len(t, out, 2)
	assert.Equal(t, "Error en la API: 500 - model not loaded", out[1].Content)

	turns, _ := st.LoadRecent(context.Background(), 10)
	require.Len(t, turns, 2)
	assert.Equal(t, "Error en la API: 500 - model not loaded", turns[1].Content)
}

func TestHandleTurn_StorageFailureStillReplies(t *testing.T) {
	c := newController(&faultStore{failAppend: true}, mustDummy(t, "msg:still here"))
	out := c.HandleTurn(context.Background(), "hola", nil, 0.8)
	require.Len(t, out, 2)
	assert.Equal(t, "still here", out[1].Content)
}

func TestHandleTurn_PanicBecomesMessage(t *testing.T) {
	c := newController(&faultStore{}, panicGenerator{})
	out := c.HandleTurn(context.Background(), "hola", nil, 0.8)
	require.Len(t, out, 2)
	assert.Contains(t, out[1].Content, "backend exploded")
}

func TestHandleTurn_PanicReplyIsPersisted(t *testing.T) {
	st := &faultStore{}
	c := newController(st, panicGenerator{})

	c.HandleTurn(context.Background(), "hola", nil, 0.8)

	turns, err := st.LoadRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, model.RoleUser, turns[0].Role)
	assert.Equal(t, model.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Error interno: backend exploded", turns[1].Content)
}

func TestHandleTurn_PanickingEventLog(t *testing.T) {
	for name, gen := range map[string]model.Generator{
		"ok":    mustDummy(t, "msg:hi"),
		"panic": panicGenerator{},
	} {
		t.Run(name, func(t *testing.T) {
			st := &faultStore{}
			c := newController(st, gen, WithEvents(panicEvents{}))

			var out []model.Message
			require.NotPanics(t, func() {
				out = c.HandleTurn(context.Background(), "hola", nil, 0.8)
			})
			require.Len(t, out, 2)
			assert.Equal(t, 2, st.len())

			require.NotPanics(t, func() {
				c.LoadDisplayHistory(context.Background(), 5)
				c.ClearAllHistory(context.Background())
				c.ResetDisplay(context.Background())
			})
		})
	}
}

func TestHandleTurn_BlankUtterance(t *testing.T) {
	st := &faultStore{}
	gen := mustDummy(t, "ok")
	c := newController(st, gen)

	history := sampleHistory(3)
	out := c.HandleTurn(context.Background(), "   ", history, 0.8)
	assert.Equal(t, history, out)
	assert.Equal(t, 0, st.len())
	assert.Empty(t, gen.Prompts())
}

func TestHandleTurn_UsesLastSixHistoryEntries(t *testing.T) {
	gen := mustDummy(t, "ok")
	c := newController(&faultStore{}, gen)

	c.HandleTurn(context.Background(), "nuevo", sampleHistory(8), 0.8)

	prompts := gen.Prompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, "user: turn-2\nassistant: turn-3\nuser: turn-4\nassistant: turn-5\nuser: turn-6\nassistant: turn-7\nuser: nuevo\nassistant:", prompts[0])
}

func TestHandleTurn_ClampsTemperature(t *testing.T) {
	gen := &recordingGenerator{}
	c := newController(&faultStore{}, gen)

	for _, temp := range []float64{0, 0.5, 3} {
		c.HandleTurn(context.Background(), "hola", nil, temp)
	}
	assert.Equal(t, []float64{0.1, 0.5, 1.0}, gen.temps)
}

func TestLoadDisplayHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("empty store shows placeholder", func(t *testing.T) {
		c := newController(&faultStore{}, mustDummy(t, "ok"))
		assert.Equal(t, []model.Message{{Role: model.RoleAssistant, Content: NoHistoryText}}, c.LoadDisplayHistory(ctx, 10))
	})

	t.Run("storage error shows placeholder", func(t *testing.T) {
		c := newController(&faultStore{failLoad: true}, mustDummy(t, "ok"))
		assert.Equal(t, []model.Message{{Role: model.RoleAssistant, Content: NoHistoryText}}, c.LoadDisplayHistory(ctx, 10))
	})

	t.Run("returns most recent oldest first", func(t *testing.T) {
		st := &faultStore{}
		for i := 0; i < 12; i++ {
			_, err := st.Append(ctx, model.RoleUser, fmt.Sprintf("m%d", i))
			require.NoError(t, err)
		}
		c := newController(st, mustDummy(t, "ok"))

		got := c.LoadDisplayHistory(ctx, 3)
		require.Len(t, got, 3)
		assert.Equal(t, "m9", got[0].Content)
		assert.Equal(t, "m11", got[2].Content)

		assert.Len(t, c.LoadDisplayHistory(ctx, 0), DefaultDisplayLimit)
	})

	t.Run("huge limit", func(t *testing.T) {
		st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "chat_history.db"), zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		_, err = st.Append(ctx, model.RoleUser, "hola")
		require.NoError(t, err)

		c := newController(st, mustDummy(t, "ok"))
		var got []model.Message
		require.NotPanics(t, func() { got = c.LoadDisplayHistory(ctx, math.MaxInt) })
		assert.Equal(t, []model.Message{{Role: model.RoleUser, Content: "hola"}}, got)
	})

	t.Run("display limit option", func(t *testing.T) {
		st := &faultStore{}
		for i := 0; i < 5; i++ {
			_, _ = st.Append(ctx, model.RoleUser, "x")
		}
		c := newController(st, mustDummy(t, "ok"), WithDisplayLimit(2))
		assert.Len(t, c.LoadDisplayHistory(ctx, 0), 2)
	})
}

func TestClearAllHistory(t *testing.T) {
	ctx := context.Background()

	st := &faultStore{}
	_, _ = st.Append(ctx, model.RoleUser, "x")
	c := newController(st, mustDummy(t, "ok"))

	assert.Equal(t, []model.Message{{Role: model.RoleAssistant, Content: HistoryClearedMsg}}, c.ClearAllHistory(ctx))
	assert.Equal(t, []model.Message{{Role: model.RoleAssistant, Content: HistoryClearedMsg}}, c.ClearAllHistory(ctx))
	turns, err := st.LoadRecent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, turns)

	failing := newController(&faultStore{failClear: true}, mustDummy(t, "ok"))
	out := failing.ClearAllHistory(ctx)
	require.Len(t, out, 1)
	assert.Equal(t, model.RoleAssistant, out[0].Role)
	assert.Contains(t, out[0].Content, "Error al limpiar el historial: ")
	assert.Contains(t, out[0].Content, "locked")
}

func TestResetDisplay(t *testing.T) {
	st := &faultStore{}
	_, _ = st.Append(context.Background(), model.RoleUser, "kept")
	c := newController(st, mustDummy(t, "ok"))

	out := c.ResetDisplay(context.Background())
	assert.NotNil(t, out)
	assert.Empty(t, out)
	assert.Equal(t, 1, st.len())
}

func TestHandleTurn_AuditTree(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "chat_history.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	root, err := st.LogEvent(context.Background(), nil, db.EventProcessStarted, nil)
	require.NoError(t, err)
	ctx := db.WithParentEvent(context.Background(), root)

	c := newController(st, mustDummy(t, "msg:hi"), WithEvents(st))
	c.HandleTurn(ctx, "hola", nil, 0.8)

	var turnID int64
	require.NoError(t, st.DB().QueryRow(
		`SELECT id FROM events WHERE event_type = ? AND parent_id = ?`, db.EventTurnStarted, root).Scan(&turnID))

	rows, err := st.DB().Query(`SELECT event_type FROM events WHERE parent_id = ? ORDER BY id`, turnID)
	require.NoError(t, err)
	defer rows.Close()
	var children []string
	for rows.Next() {
		var et string
		require.NoError(t, rows.Scan(&et))
		children = append(children, et)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{
		db.EventStoreAppend,
		db.EventUserPersisted,
		db.EventContextBuilt,
		db.EventBackendInvoked,
		db.EventStoreAppend,
		db.EventTurnCompleted,
	}, children)
}
