package providers

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is one server-sent event. Name is empty for bare data events,
// which is the common case for OpenAI-style streams. Data joins multi-line
// data fields with newlines, per the SSE wire format.
type SSEEvent struct {
	Name string
	Data string
}

// SSEScanner incrementally parses a text/event-stream body. It tolerates
// both "data:" and "data: " field forms and ignores comment lines and
// unknown fields.
type SSEScanner struct {
	sc    *bufio.Scanner
	event SSEEvent
	err   error
}

// NewSSEScanner wraps r. The line buffer is sized for large model chunks.
func NewSSEScanner(r io.Reader) *SSEScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEScanner{sc: sc}
}

// Next advances to the next complete event. It returns false at end of
// stream or on read error; check Err afterwards.
func (s *SSEScanner) Next() bool {
	var name string
	var data []string

	for s.sc.Scan() {
		line := s.sc.Text()
		switch {
		case line == "":
			// Blank line dispatches the accumulated event, if any.
			if len(data) > 0 || name != "" {
				s.event = SSEEvent{Name: name, Data: strings.Join(data, "\n")}
				return true
			}
		case strings.HasPrefix(line, ":"):
			// Comment / keepalive.
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(line[len("data:"):]))
		}
	}
	s.err = s.sc.Err()

	// A final event without a trailing blank line still counts.
	if len(data) > 0 || name != "" {
		s.event = SSEEvent{Name: name, Data: strings.Join(data, "\n")}
		return true
	}
	return false
}

// Event returns the event produced by the last successful Next call.
func (s *SSEScanner) Event() SSEEvent { return s.event }

// Err reports a read error, nil on clean end of stream.
func (s *SSEScanner) Err() error { return s.err }
