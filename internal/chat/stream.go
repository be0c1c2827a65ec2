package chat

import "sync"

// Stream is a lazy finite sequence of Chunks with a single producer (the
// provider adapter) and a single consumer (the stream forwarder). Closing it
// from the consumer side tears down the upstream connection; ending it from
// the producer side closes the chunk channel after the terminal chunk.
//
// Streams are not restartable.
type Stream struct {
	Provider string
	Model    string

	ch     chan Chunk
	done   chan struct{}
	cancel func()

	endOnce   sync.Once
	closeOnce sync.Once
}

// NewStream creates a stream. cancel is invoked when the consumer abandons
// the stream; it must release the upstream transport.
func NewStream(provider, model string, cancel func()) *Stream {
	return &Stream{
		Provider: provider,
		Model:    model,
		ch:       make(chan Chunk, 8),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
}

// Chunks returns the consumer side. The channel is closed after the terminal
// chunk has been delivered (or after Close).
func (s *Stream) Chunks() <-chan Chunk { return s.ch }

// Send delivers one chunk to the consumer. It returns false when the consumer
// has closed the stream, in which case the producer must stop.
func (s *Stream) Send(c Chunk) bool {
	select {
	case s.ch <- c:
		return true
	case <-s.done:
		return false
	}
}

// End closes the producer side. Safe to call more than once.
func (s *Stream) End() {
	s.endOnce.Do(func() { close(s.ch) })
}

// Close abandons the stream from the consumer side and cancels the upstream
// transport. Releasing a stream before completion must always go through
// Close so connection resources are reclaimed on every exit path.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
}
