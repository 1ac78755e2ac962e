package context

import (
	"testing"

	"github.com/stupiduntilnot/localchat/internal/model"
)

func TestTranscriptAssembler_Assemble(t *testing.T) {
	a := &TranscriptAssembler{}
	history := []model.Message{
		{Role: model.RoleUser, Content: "prev question"},
		{Role: model.RoleAssistant, Content: "prev answer"},
	}
	got := a.Assemble(history, "new question")

	want := "user: prev question\nassistant: prev answer\nuser: new question\nassistant:"
	if got != want {
		t.Errorf("unexpected prompt:\n got: %q\nwant: %q", got, want)
	}
}

func TestTranscriptAssembler_EmptyHistory(t *testing.T) {
	a := &TranscriptAssembler{}
	got := a.Assemble(nil, "Hola")

	if got != "user: Hola\nassistant:" {
		t.Errorf("unexpected prompt: %q", got)
	}
}
