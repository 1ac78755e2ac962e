package context

import (
	"strings"

	"github.com/stupiduntilnot/localchat/internal/model"
)

// TranscriptAssembler renders a plain-text transcript: one "role: content"
// line per history entry, then the new user line, then an "assistant:" cue
// marking where generation continues.
type TranscriptAssembler struct{}

func (a *TranscriptAssembler) Assemble(history []model.Message, utterance string) string {
	lines := make([]string, 0, len(history)+2)
	for _, m := range history {
		lines = append(lines, string(m.Role)+": "+m.Content)
	}
	lines = append(lines, string(model.RoleUser)+": "+utterance)
	lines = append(lines, string(model.RoleAssistant)+":")
	return strings.Join(lines, "\n")
}
