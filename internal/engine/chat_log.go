package engine

const (
	ChatHistoryLimit = 100
	ChatReplayLimit  = 50
)

// ChatLog keeps the newest ChatHistoryLimit messages, evicting the oldest first.
// The zero value is an empty log.
type ChatLog struct {
	buf  []ChatMessage
	head int
	n    int
}

func NewChatLog(msgs []ChatMessage) ChatLog {
	var c ChatLog
	if len(msgs) > ChatHistoryLimit {
		msgs = msgs[len(msgs)-ChatHistoryLimit:]
	}
	for _, m := range msgs {
		c.Append(m)
	}
	return c
}

// Append reports whether the oldest message was evicted to make room.
func (c *ChatLog) Append(m ChatMessage) bool {
	if c.buf == nil {
		c.buf = make([]ChatMessage, ChatHistoryLimit)
	}
	if c.n < len(c.buf) {
		c.buf[(c.head+c.n)%len(c.buf)] = m
		c.n++
		return false
	}
	c.buf[c.head] = m
	c.head = (c.head + 1) % len(c.buf)
	return true
}

func (c *ChatLog) Len() int { return c.n }

// Last returns up to k of the newest messages, oldest first.
func (c *ChatLog) Last(k int) []ChatMessage {
	if k > c.n {
		k = c.n
	}
	if k < 0 {
		k = 0
	}
	out := make([]ChatMessage, k)
	start := c.n - k
	for i := range out {
		out[i] = c.buf[(c.head+start+i)%len(c.buf)]
	}
	return out
}

func (c *ChatLog) All() []ChatMessage { return c.Last(c.n) }
