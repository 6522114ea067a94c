// Package sse parses and serializes server-sent event streams the way
// the Anthropic Messages API emits them: one "event:" line, one "data:"
// line, a blank separator.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Scanner buffer sizing: tool_use deltas can carry large partial_json
// fragments on a single line.
const (
	initialBufSize = 256 * 1024
	maxBufSize     = 1024 * 1024
)

// Event is one SSE block.
type Event struct {
	Name string
	Data string
}

// Serialize renders the event back to wire form, trailing blank line
// included.
func (e *Event) Serialize() string {
	var b strings.Builder
	if e.Name != "" {
		b.WriteString("event: ")
		b.WriteString(e.Name)
		b.WriteString("\n")
	}
	for _, line := range strings.Split(e.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// Scanner reads events off a stream.
type Scanner struct {
	s *bufio.Scanner
}

func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, initialBufSize), maxBufSize)
	return &Scanner{s: s}
}

// Next returns the next event, or io.EOF when the stream ends. Comment
// lines and unknown fields are skipped. An event with no fields at all
// (consecutive blank lines) is skipped too.
func (s *Scanner) Next() (*Event, error) {
	var (
		e    Event
		data []string
		seen bool
	)
	for s.s.Scan() {
		line := s.s.Text()
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			if !seen {
				continue
			}
			e.Data = strings.Join(data, "\n")
			return &e, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			e.Name = value
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		}
	}
	if err := s.s.Err(); err != nil {
		return nil, err
	}
	if seen {
		e.Data = strings.Join(data, "\n")
		return &e, nil
	}
	return nil, io.EOF
}
