package conversation

import "errors"

var (
	// ErrStreaming is returned when a message is appended while an AI reply is still streaming.
	ErrStreaming = errors.New("conversation: an AI message is still streaming")
	// ErrNotStreaming is returned when a fragment or seal targets a log with no streaming message.
	ErrNotStreaming = errors.New("conversation: no streaming AI message")
)

// Log is the ordered message sequence. It is append-only except for the
// trailing streaming AI message, which is mutated in place until sealed.
// Log is not safe for concurrent use; the turn coordinator owns it.
type Log struct {
	messages []*Message
}

func NewLog() *Log {
	return &Log{}
}

// AppendUser appends a sealed user message.
func (l *Log) AppendUser(text string) (Message, error) {
	return l.appendSealed(SenderUser, text)
}

// AppendAI appends a sealed AI message, such as the opening greeting.
func (l *Log) AppendAI(text string) (Message, error) {
	return l.appendSealed(SenderAI, text)
}

// BeginAI appends an empty streaming AI placeholder.
func (l *Log) BeginAI() (Message, error) {
	if l.Streaming() {
		return Message{}, ErrStreaming
	}
	m := newMessage(SenderAI, "", true)
	l.messages = append(l.messages, m)
	return *m, nil
}

// AppendFragment extends the streaming AI message.
func (l *Log) AppendFragment(fragment string) error {
	m := l.streaming()
	if m == nil {
		return ErrNotStreaming
	}
	m.Text += fragment
	return nil
}

// Seal sets the final text of the streaming AI message and freezes it.
func (l *Log) Seal(text string) (Message, error) {
	m := l.streaming()
	if m == nil {
		return Message{}, ErrNotStreaming
	}
	m.Text = text
	m.Streaming = false
	return *m, nil
}

// Streaming reports whether the trailing message is an unsealed AI reply.
func (l *Log) Streaming() bool {
	return l.streaming() != nil
}

func (l *Log) Len() int { return len(l.messages) }

// Last returns a copy of the trailing message.
func (l *Log) Last() (Message, bool) {
	if len(l.messages) == 0 {
		return Message{}, false
	}
	return *l.messages[len(l.messages)-1], true
}

// Messages returns a copy of the log safe to hand to observers.
func (l *Log) Messages() []Message {
	out := make([]Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = *m
	}
	return out
}

func (l *Log) appendSealed(sender Sender, text string) (Message, error) {
	if l.Streaming() {
		return Message{}, ErrStreaming
	}
	m := newMessage(sender, text, false)
	l.messages = append(l.messages, m)
	return *m, nil
}

func (l *Log) streaming() *Message {
	if len(l.messages) == 0 {
		return nil
	}
	last := l.messages[len(l.messages)-1]
	if last.Sender != SenderAI || !last.Streaming {
		return nil
	}
	return last
}
