package context

import "github.com/stupiduntilnot/localchat/internal/model"

// WindowBuilder turns the session history and a new utterance into a
// backend-ready prompt. It is pure and deterministic.
type WindowBuilder struct {
	Compressor Compressor
	Assembler  Assembler
}

// NewWindowBuilder returns a builder keeping the last size entries. A size of
// zero or less falls back to DefaultWindowSize.
func NewWindowBuilder(size int) *WindowBuilder {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &WindowBuilder{
		Compressor: &SimpleCompressor{MaxMessages: size},
		Assembler:  &TranscriptAssembler{},
	}
}

// Build returns the prompt for the given history and utterance.
func (b *WindowBuilder) Build(history []model.Message, utterance string) string {
	return b.Assembler.Assemble(b.Compressor.Compress(history), utterance)
}
