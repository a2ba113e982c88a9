package engine

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunking thresholds in characters of stripped text.
const (
	// MinChunkChars is the minimum stripped length before a sentence boundary
	// may flush a chunk.
	MinChunkChars = 60

	// MaxChunkChars forces a flush regardless of sentence boundaries, keeping
	// synthesis latency bounded on terminator-free streams.
	MaxChunkChars = 220
)

// isTerminator reports whether r ends a sentence. The ASCII ellipsis "..."
// is covered by '.'.
func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	}
	return false
}

// chunker accumulates streamed tokens and cuts them into synthesisable
// chunks. It is not safe for concurrent use; the owning session serialises
// access.
type chunker struct {
	buf strings.Builder
}

// Append adds one token and returns any chunks that became ready, in order.
// A chunk is ready when the stripped buffer reaches MaxChunkChars, or when it
// is at least MinChunkChars long and ends in a sentence terminator. Lengths
// are rune counts, not bytes, so CJK text meets the same thresholds as ASCII.
// No returned chunk exceeds MaxChunkChars: when a token pushes the buffer
// past the cap, the text is cut at the cap and the overshoot stays buffered.
func (c *chunker) Append(token string) []string {
	c.buf.WriteString(token)

	trimmed := strings.TrimSpace(c.buf.String())
	if trimmed == "" {
		return nil
	}

	if utf8.RuneCountInString(trimmed) < MaxChunkChars {
		if utf8.RuneCountInString(trimmed) >= MinChunkChars && endsInTerminator(trimmed) {
			c.buf.Reset()
			return []string{trimmed}
		}
		return nil
	}

	var out []string
	for utf8.RuneCountInString(trimmed) >= MaxChunkChars {
		head, rest := cutRunes(trimmed, MaxChunkChars)
		out = append(out, strings.TrimSpace(head))
		trimmed = strings.TrimSpace(rest)
	}
	c.buf.Reset()
	if trimmed != "" {
		if utf8.RuneCountInString(trimmed) >= MinChunkChars && endsInTerminator(trimmed) {
			out = append(out, trimmed)
		} else {
			c.buf.WriteString(trimmed)
		}
	}
	return out
}

// cutRunes splits s after n runes.
func cutRunes(s string, n int) (head, tail string) {
	for i := range s {
		if n == 0 {
			return s[:i], s[i:]
		}
		n--
	}
	return s, ""
}

// Flush returns whatever is buffered, even below MinChunkChars, and empties
// the buffer. Returns "" when nothing meaningful is buffered.
func (c *chunker) Flush() string {
	trimmed := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	return trimmed
}

// Discard drops the buffered text. Used on mid-stream retries, which void
// everything accumulated so far without touching the chunk counter.
func (c *chunker) Discard() {
	c.buf.Reset()
}

// endsInTerminator reports whether the last non-whitespace rune of s is a
// sentence terminator.
func endsInTerminator(s string) bool {
	rs := []rune(s)
	for i := len(rs) - 1; i >= 0; i-- {
		if unicode.IsSpace(rs[i]) {
			continue
		}
		return isTerminator(rs[i])
	}
	return false
}
