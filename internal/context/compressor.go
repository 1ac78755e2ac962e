package context

import "github.com/stupiduntilnot/localchat/internal/model"

// SimpleCompressor keeps only the last MaxMessages messages.
type SimpleCompressor struct {
	MaxMessages int
}

// Compress truncates messages to the most recent MaxMessages entries. Older
// entries are dropped, not summarized.
func (c *SimpleCompressor) Compress(messages []model.Message) []model.Message {
	if c.MaxMessages <= 0 || len(messages) <= c.MaxMessages {
		return messages
	}
	return messages[len(messages)-c.MaxMessages:]
}
