package context

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stupiduntilnot/localchat/internal/model"
)

func history(n int) []model.Message {
	out := make([]model.Message, 0, n)
	for i := 0; i < n; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		out = append(out, model.Message{Role: role, Content: fmt.Sprintf("turn-%d", i)})
	}
	return out
}

func TestWindowBuilder_EightPriorTurns(t *testing.T) {
	b := NewWindowBuilder(DefaultWindowSize)
	prompt := b.Build(history(8), "siguiente")

	lines := strings.Split(prompt, "\n")
	if len(lines) != 8 {
		t.Fatalf("expected 8 lines, got %d:\n%s", len(lines), prompt)
	}
	if lines[0] != "user: turn-2" {
		t.Errorf("expected window to start at turn-2, got %q", lines[0])
	}
	if lines[5] != "assistant: turn-7" {
		t.Errorf("expected last history line turn-7, got %q", lines[5])
	}
	if lines[6] != "user: siguiente" {
		t.Errorf("unexpected utterance line %q", lines[6])
	}
	if lines[7] != "assistant:" {
		t.Errorf("unexpected cue line %q", lines[7])
	}
}

func TestWindowBuilder_NeverExceedsCap(t *testing.T) {
	b := NewWindowBuilder(0)
	for n := 0; n <= 20; n++ {
		prompt := b.Build(history(n), "x")
		lines := strings.Split(prompt, "\n")
		included := len(lines) - 2
		want := n
		if want > DefaultWindowSize {
			want = DefaultWindowSize
		}
		if included != want {
			t.Fatalf("history=%d: expected %d history lines, got %d", n, want, included)
		}
		for i := 0; i < n-DefaultWindowSize; i++ {
			if strings.Contains(prompt, fmt.Sprintf("turn-%d\n", i)) {
				t.Fatalf("history=%d: old entry turn-%d leaked into prompt", n, i)
			}
		}
	}
}

func TestWindowBuilder_DoesNotMutateHistory(t *testing.T) {
	h := history(10)
	before := fmt.Sprint(h)
	NewWindowBuilder(6).Build(h, "x")
	if fmt.Sprint(h) != before {
		t.Fatal("history was modified")
	}
}

func TestWindowBuilder_Deterministic(t *testing.T) {
	b := NewWindowBuilder(6)
	h := history(7)
	if b.Build(h, "x") != b.Build(h, "x") {
		t.Fatal("expected identical prompts for identical input")
	}
}
