// Package conversation holds the ordered transcript of a practice session.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// Message is one utterance in the transcript. Text only changes while Streaming is true.
type Message struct {
	ID        string
	Sender    Sender
	Text      string
	Streaming bool
	CreatedAt time.Time
}

func newMessage(sender Sender, text string, streaming bool) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Text:      text,
		Streaming: streaming,
		CreatedAt: time.Now(),
	}
}

// Sealed reports whether the message can no longer change.
func (m Message) Sealed() bool { return !m.Streaming }
