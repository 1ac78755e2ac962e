package context

import "github.com/stupiduntilnot/localchat/internal/model"

// DefaultWindowSize is the number of most recent history entries carried into
// each prompt.
const DefaultWindowSize = 6

// Compressor reduces a list of messages to fit within constraints.
type Compressor interface {
	Compress(messages []model.Message) []model.Message
}

// Assembler renders history and the new user utterance into a prompt.
type Assembler interface {
	Assemble(history []model.Message, utterance string) string
}
