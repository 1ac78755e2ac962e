package model

import (
	"context"
	"fmt"
	"time"
)

// Role is the author of a dialogue turn. Only RoleUser and RoleAssistant exist.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ParseRole converts a stored role string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q", s)
	}
	return r, nil
}

// Turn is one persisted dialogue message. Turns are immutable once stored.
type Turn struct {
	ID        int64
	Role      Role
	Content   string
	Timestamp time.Time
}

// Message returns the display projection of the turn.
func (t Turn) Message() Message {
	return Message{Role: t.Role, Content: t.Content}
}

// Message is a displayed conversation entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Messages projects turns into display messages, preserving order.
func Messages(turns []Turn) []Message {
	out := make([]Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Message())
	}
	return out
}

// GenerationResult is the outcome of one generation request. When OK is false,
// Message holds the user-facing failure text and Err the typed cause.
type GenerationResult struct {
	OK      bool
	Text    string
	Message string
	Err     error
}

// Content returns the text that should be shown as the assistant reply.
func (r GenerationResult) Content() string {
	if r.OK {
		return r.Text
	}
	return r.Message
}

// Generator is the generation backend abstraction used by the session controller.
type Generator interface {
	Generate(ctx context.Context, prompt string, temperature float64) GenerationResult
}
