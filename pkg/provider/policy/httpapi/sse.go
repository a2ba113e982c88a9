package httpapi

import (
	"bufio"
	"io"
	"strings"
)

// eventScanner scans a text/event-stream into named events. Each event is one
// or more "event:"/"data:" lines terminated by an empty line; multiple data
// lines are joined with newlines per the SSE wire format. An event without an
// explicit name is reported as "message".
type eventScanner struct {
	scanner *bufio.Scanner
	name    string
	data    string
	err     error
}

func newEventScanner(r io.Reader) *eventScanner {
	return &eventScanner{scanner: bufio.NewScanner(r)}
}

// Scan advances to the next complete event.
func (s *eventScanner) Scan() bool {
	name := "message"
	var data []string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			// Event boundary. Only dispatch when a data payload was seen;
			// bare keep-alive separators are skipped.
			if len(data) > 0 {
				s.name = name
				s.data = strings.Join(data, "\n")
				return true
			}
			name = "message"
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// Comment / keep-alive line.
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	s.err = s.scanner.Err()
	// Flush a trailing event that was not followed by a blank line.
	if len(data) > 0 {
		s.name = name
		s.data = strings.Join(data, "\n")
		return true
	}
	return false
}

// Event returns the name and joined data of the current event.
func (s *eventScanner) Event() (name, data string) {
	return s.name, s.data
}

// Err returns any scanning error.
func (s *eventScanner) Err() error {
	return s.err
}
