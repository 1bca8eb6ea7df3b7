package hub

// defaultBacklogSize bounds the events held for one disconnected tab.
const defaultBacklogSize = 32

// backlog is a fixed-size ring of messages held for a tab while it has no
// connection. When full, the oldest message is overwritten. It is not safe
// for concurrent use; the hub guards it.
type backlog struct {
	buf  []Message
	head int // next write position
	n    int
}

func newBacklog(size int) *backlog {
	if size <= 0 {
		size = defaultBacklogSize
	}
	return &backlog{buf: make([]Message, size)}
}

// push appends m and reports whether the oldest message was overwritten.
func (b *backlog) push(m Message) bool {
	overwrote := b.n == len(b.buf)
	b.buf[b.head] = m
	b.head = (b.head + 1) % len(b.buf)
	if !overwrote {
		b.n++
	}
	return overwrote
}

// drain returns the held messages oldest first and empties the ring.
func (b *backlog) drain() []Message {
	if b.n == 0 {
		return nil
	}
	out := make([]Message, 0, b.n)
	tail := (b.head - b.n + len(b.buf)) % len(b.buf)
	for i := 0; i < b.n; i++ {
		out = append(out, b.buf[(tail+i)%len(b.buf)])
	}
	clear(b.buf)
	b.head = 0
	b.n = 0
	return out
}

func (b *backlog) len() int { return b.n }
