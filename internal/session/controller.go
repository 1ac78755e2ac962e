package session

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stupiduntilnot/localchat/internal/db"
	"github.com/stupiduntilnot/localchat/internal/model"
	"github.com/stupiduntilnot/localchat/internal/observability"
	"github.com/stupiduntilnot/localchat/internal/ollama"
	"github.com/stupiduntilnot/localchat/internal/store"
)

// TurnState is the progress of a single turn through the controller.
type TurnState string

const (
	StateIdle           TurnState = "idle"
	StateUserPersisted  TurnState = "user_persisted"
	StateContextBuilt   TurnState = "context_built"
	StateBackendInvoked TurnState = "backend_invoked"
	StateCompleted      TurnState = "completed"
	StateFailed         TurnState = "failed"
)

// User-facing texts.
const (
	NoHistoryText     = "Aún no hay historial de conversaciones."
	HistoryClearedMsg = "Historial limpiado correctamente."
	clearFailedFormat = "Error al limpiar el historial: %v"
	internalErrFormat = "Error interno: %v"
	emptyReply        = "(empty model response)"
)

const (
	DefaultDisplayLimit = 10
	DefaultTemperature  = 0.8
	MinTemperature      = 0.1
	MaxTemperature      = 1.0
)

// Outcome labels for the turns_total metric.
const (
	outcomeOK           = "ok"
	outcomeBackendError = "backend_error"
	outcomePanic        = "panic"
)

// PromptBuilder renders the context window sent to the generator.
type PromptBuilder interface {
	Build(history []model.Message, utterance string) string
}

// Controller orchestrates one conversation: it persists turns, builds the
// context window, calls the generator and folds the result back into the
// caller's history. None of its operations return errors or panic.
type Controller struct {
	store        store.MessageStore
	builder      PromptBuilder
	generator    model.Generator
	events       db.EventLog
	metrics      *observability.Metrics
	logger       zerolog.Logger
	displayLimit int
	newID        func() string
}

// Option customizes a Controller.
type Option func(*Controller)

// WithEvents records turn progress in the audit event log.
func WithEvents(events db.EventLog) Option {
	return func(c *Controller) { c.events = events }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithDisplayLimit sets the number of turns LoadDisplayHistory returns when
// called with a non-positive limit.
func WithDisplayLimit(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.displayLimit = n
		}
	}
}

// New creates a Controller over its three collaborators.
func New(st store.MessageStore, builder PromptBuilder, gen model.Generator, opts ...Option) *Controller {
	c := &Controller{
		store:        st,
		builder:      builder,
		generator:    gen,
		logger:       log.Logger,
		displayLimit: DefaultDisplayLimit,
		newID:        func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleTurn runs one turn for utterance and returns history extended with
// the user utterance and the assistant reply. On backend failure the reply is
// the failure text. The caller's slice is never modified. A blank utterance
// returns a copy of history unchanged.
func (c *Controller) HandleTurn(ctx context.Context, utterance string, history []model.Message, temperature float64) (out []model.Message) {
	base := make([]model.Message, len(history), len(history)+2)
	copy(base, history)

	if strings.TrimSpace(utterance) == "" {
		c.logger.Warn().Msg("ignoring blank utterance")
		return base
	}

	turnID := c.newID()
	logger := c.logger.With().Str("turn_id", turnID).Logger()
	temp := clampTemperature(temperature)
	if temp != temperature {
		logger.Warn().Float64("requested", temperature).Float64("applied", temp).Msg("temperature out of range, clamped")
	}

	root := c.event(ctx, logger, db.EventTurnStarted, map[string]any{
		"turn_id":     turnID,
		"history_len": len(history),
		"temperature": temp,
	})
	ctx = db.WithParentEvent(ctx, root)
	state := StateIdle

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf(internalErrFormat, r)
			logger.Error().Interface("panic", r).Str("state", string(state)).Msg("turn panicked")
			c.metrics.IncTurn(outcomePanic)
			c.persistReply(ctx, logger, msg)
			c.event(ctx, logger, db.EventTurnFailed, map[string]any{"turn_id": turnID, "state": string(state), "error": msg})
			out = append(base,
				model.Message{Role: model.RoleUser, Content: utterance},
				model.Message{Role: model.RoleAssistant, Content: msg})
		}
	}()

	logger.Info().Int("history_len", len(history)).Float64("temperature", temp).Msg("handling turn")

	_, err := c.store.Append(ctx, model.RoleUser, utterance)
	if err != nil {
		logger.Error().Err(err).Msg("failed to persist user turn")
		c.metrics.IncStorageError(store.OpAppend)
	}
	state = StateUserPersisted
	c.event(ctx, logger, db.EventUserPersisted, map[string]any{"turn_id": turnID, "ok": err == nil})

	prompt := c.builder.Build(history, utterance)
	state = StateContextBuilt
	c.event(ctx, logger, db.EventContextBuilt, map[string]any{"turn_id": turnID, "prompt_chars": len(prompt)})

	start := time.Now()
	res := c.generator.Generate(ctx, prompt, temp)
	latency := time.Since(start)
	c.metrics.ObserveGenerationLatency(latency)
	state = StateBackendInvoked
	c.event(ctx, logger, db.EventBackendInvoked, map[string]any{
		"turn_id":    turnID,
		"ok":         res.OK,
		"latency_ms": latency.Milliseconds(),
	})

	content := res.Content()
	if strings.TrimSpace(content) == "" {
		content = emptyReply
	}
	if _, err := c.store.Append(ctx, model.RoleAssistant, content); err != nil {
		logger.Error().Err(err).Msg("failed to persist assistant turn")
		c.metrics.IncStorageError(store.OpAppend)
	}

	if res.OK {
		state = StateCompleted
		c.metrics.IncTurn(outcomeOK)
		c.event(ctx, logger, db.EventTurnCompleted, map[string]any{"turn_id": turnID, "reply_chars": len(content)})
		logger.Info().Int64("latency_ms", latency.Milliseconds()).Msg("turn completed")
	} else {
		state = StateFailed
		kind := ollama.Kind(res.Err)
		c.metrics.IncTurn(outcomeBackendError)
		c.metrics.IncBackendError(kind)
		c.event(ctx, logger, db.EventTurnFailed, map[string]any{"turn_id": turnID, "kind": kind, "error": content})
		logger.Warn().Err(res.Err).Str("kind", kind).Msg("turn failed")
	}

	return append(base,
		model.Message{Role: model.RoleUser, Content: utterance},
		model.Message{Role: model.RoleAssistant, Content: content})
}

// LoadDisplayHistory returns the most recent persisted turns, oldest first. A
// non-positive limit uses the configured display limit. When nothing can be
// shown it returns a single placeholder entry.
func (c *Controller) LoadDisplayHistory(ctx context.Context, limit int) []model.Message {
	if limit <= 0 {
		limit = c.displayLimit
	}
	turns, err := c.store.LoadRecent(ctx, limit)
	c.event(ctx, c.logger, db.EventHistoryLoaded, map[string]any{"limit": limit, "count": len(turns), "ok": err == nil})
	if err != nil {
		c.logger.Error().Err(err).Int("limit", limit).Msg("failed to load history")
		c.metrics.IncStorageError(store.OpLoadRecent)
		return placeholder()
	}
	if len(turns) == 0 {
		return placeholder()
	}
	return model.Messages(turns)
}

// ClearAllHistory erases the persisted log and returns a single confirmation
// or error entry to display.
func (c *Controller) ClearAllHistory(ctx context.Context) []model.Message {
	err := c.store.ClearAll(ctx)
	c.event(ctx, c.logger, db.EventHistoryCleared, map[string]any{"ok": err == nil})
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to clear history")
		c.metrics.IncStorageError(store.OpClearAll)
		return []model.Message{{Role: model.RoleAssistant, Content: fmt.Sprintf(clearFailedFormat, err)}}
	}
	c.logger.Info().Msg("history cleared")
	return []model.Message{{Role: model.RoleAssistant, Content: HistoryClearedMsg}}
}

// ResetDisplay clears only the displayed conversation. Storage is untouched.
func (c *Controller) ResetDisplay(ctx context.Context) []model.Message {
	c.event(ctx, c.logger, db.EventDisplayReset, nil)
	c.logger.Debug().Msg("display reset")
	return []model.Message{}
}

// persistReply stores the reply of a turn that panicked. A second panic from
// the store is logged and dropped.
func (c *Controller) persistReply(ctx context.Context, logger zerolog.Logger, content string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("failed to persist assistant turn")
			c.metrics.IncStorageError(store.OpAppend)
		}
	}()
	if _, err := c.store.Append(ctx, model.RoleAssistant, content); err != nil {
		logger.Error().Err(err).Msg("failed to persist assistant turn")
		c.metrics.IncStorageError(store.OpAppend)
	}
}

// event records an audit event. Audit failures, panics included, never reach
// the caller.
func (c *Controller) event(ctx context.Context, logger zerolog.Logger, eventType string, payload map[string]any) (id int64) {
	if c.events == nil {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Debug().Interface("panic", r).Str("event_type", eventType).Msg("audit event not recorded")
			id = 0
		}
	}()
	id, err := c.events.LogEvent(ctx, db.ParentEvent(ctx), eventType, payload)
	if err != nil {
		logger.Debug().Err(err).Str("event_type", eventType).Msg("audit event not recorded")
		return 0
	}
	return id
}

func placeholder() []model.Message {
	return []model.Message{{Role: model.RoleAssistant, Content: NoHistoryText}}
}

func clampTemperature(t float64) float64 {
	switch {
	case math.IsNaN(t):
		return DefaultTemperature
	case t < MinTemperature:
		return MinTemperature
	case t > MaxTemperature:
		return MaxTemperature
	default:
		return t
	}
}
