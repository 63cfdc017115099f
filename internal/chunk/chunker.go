// Package chunk turns a growing text buffer into Markdown-safe chunks for
// progressive delivery. Break points prefer paragraph > line > sentence >
// word boundaries and never land inside a fenced code block; when a hard cut
// is unavoidable inside a fence, the fence is closed in the emitted chunk
// and reopened in the remainder so both pieces render as valid Markdown.
package chunk

import "strings"

const (
	// DefaultMinChars is the smallest chunk emitted during streaming.
	DefaultMinChars = 200
	// DefaultMaxChars bounds a single outbound message. Kept well under the
	// smallest platform limit (Telegram's 4096).
	DefaultMaxChars = 3000
)

// Chunker accumulates streamed text via Append and emits prefix chunks via
// Drain, buffering the remainder. Not safe for concurrent use; callers feed
// it from a single run goroutine.
type Chunker struct {
	buf      string
	min, max int
}

// New creates a Chunker. Non-positive bounds fall back to the defaults; max
// is clamped to at least min.
func New(minChars, maxChars int) *Chunker {
	if minChars <= 0 {
		minChars = DefaultMinChars
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if maxChars < minChars {
		maxChars = minChars
	}
	return &Chunker{min: minChars, max: maxChars}
}

// Append feeds streamed text into the buffer.
func (c *Chunker) Append(text string) {
	c.buf += text
}

// Len reports the buffered byte count.
func (c *Chunker) Len() int { return len(c.buf) }

// Drain repeatedly extracts a prefix chunk and calls emit, leaving the rest
// buffered. Non-forced drains stop once the buffer is below minChars; forced
// drains empty the buffer completely, falling back to emitting the remainder
// verbatim when no safe break exists.
func (c *Chunker) Drain(force bool, emit func(chunk string)) {
	for {
		n := len(c.buf)
		if n == 0 {
			return
		}
		if !force && n < c.min {
			return
		}

		window := n
		if window > c.max {
			window = c.max
		}
		fences := scanFences(c.buf)

		var idx int
		if force && n <= c.max {
			// Final flush of a short remainder: no more text is coming, so a
			// soft break anywhere past the first character qualifies.
			idx = searchForward(c.buf, window, fences)
			if idx <= 0 {
				emit(c.buf)
				c.buf = ""
				return
			}
		} else {
			idx = searchBackward(c.buf, window, c.min, fences)
			if idx <= 0 {
				if n >= c.max {
					c.hardCut(fences, emit)
					continue
				}
				return // wait for more text
			}
		}

		prefix := c.buf[:idx]
		c.buf = strings.TrimLeft(c.buf[idx:], "\n")
		if strings.TrimSpace(prefix) == "" {
			continue // never emit an empty paragraph-gap chunk
		}
		emit(prefix)
	}
}

// searchBackward scans the window back-to-front for the latest acceptable
// break of the highest-priority class. A break index is the length of the
// would-be chunk; candidates below minChars or inside an open fence are
// rejected. Returns 0 when nothing qualifies.
func searchBackward(buf string, window, minChars int, fences []fenceRegion) int {
	for _, class := range breakClasses {
		for i := window; i >= minChars; i-- {
			idx, ok := class(buf, i)
			if !ok || idx < minChars || idx > window {
				continue
			}
			if insideFence(fences, idx) {
				continue
			}
			return idx
		}
	}
	return 0
}

// searchForward scans front-to-back, accepting the earliest break >= 1 char
// of the highest-priority class. Used only for the forced final flush.
func searchForward(buf string, window int, fences []fenceRegion) int {
	for _, class := range breakClasses {
		for i := 1; i <= window; i++ {
			idx, ok := class(buf, i)
			if !ok || idx < 1 || idx > window {
				continue
			}
			if insideFence(fences, idx) {
				continue
			}
			return idx
		}
	}
	return 0
}

// breakFunc inspects position i and reports a break index (chunk length) if
// a break of this class exists there.
type breakFunc func(buf string, i int) (int, bool)

// Priority order: paragraph gap, single newline, sentence end, any
// whitespace.
var breakClasses = []breakFunc{
	func(buf string, i int) (int, bool) {
		if i+1 < len(buf) && buf[i] == '\n' && buf[i+1] == '\n' {
			return i, true
		}
		return 0, false
	},
	func(buf string, i int) (int, bool) {
		if i < len(buf) && buf[i] == '\n' {
			return i, true
		}
		return 0, false
	},
	func(buf string, i int) (int, bool) {
		if i < 1 || i > len(buf) {
			return 0, false
		}
		p := buf[i-1]
		if p != '.' && p != '!' && p != '?' {
			return 0, false
		}
		if i == len(buf) || isSpace(buf[i]) {
			return i, true
		}
		return 0, false
	},
	func(buf string, i int) (int, bool) {
		if i < 1 || i > len(buf) {
			return 0, false
		}
		if isSpace(buf[i-1]) {
			return i, true
		}
		return 0, false
	},
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// hardCut emits exactly maxChars when no natural break exists. A cut landing
// inside an open fence synthesizes a closing fence on the emitted chunk and
// re-opens the fence at the head of the remainder, keeping both pieces valid
// Markdown on their own.
func (c *Chunker) hardCut(fences []fenceRegion, emit func(string)) {
	cut := c.max
	prefix := c.buf[:cut]
	rest := c.buf[cut:]

	if f := openFenceAt(fences, cut); f != nil {
		closer := f.indent + strings.Repeat(string(f.marker), f.length)
		if !strings.HasSuffix(prefix, "\n") {
			prefix += "\n"
		}
		prefix += closer
		rest = f.openLine + "\n" + strings.TrimLeft(rest, "\n")
	} else {
		rest = strings.TrimLeft(rest, "\n")
	}

	c.buf = rest
	if strings.TrimSpace(prefix) != "" {
		emit(prefix)
	}
}

// fenceRegion covers a fenced code block from the first byte of its opening
// line to just past its closing line (or to the end of the buffer while
// unclosed).
type fenceRegion struct {
	start, end int
	indent     string
	marker     byte
	length     int
	openLine   string
}

// insideFence reports whether a break at idx lands strictly inside a fenced
// block. Breaking exactly at a region boundary is allowed.
func insideFence(fences []fenceRegion, idx int) bool {
	for _, f := range fences {
		if idx > f.start && idx < f.end {
			return true
		}
	}
	return false
}

// openFenceAt returns the fence region containing idx, or nil.
func openFenceAt(fences []fenceRegion, idx int) *fenceRegion {
	for i := range fences {
		if idx > fences[i].start && idx < fences[i].end {
			return &fences[i]
		}
	}
	return nil
}

// scanFences finds fenced code blocks: an opener is at most three spaces of
// indent then three or more backticks or tildes; the closer uses the same
// marker character at a length >= the opener's, with nothing but whitespace
// after it. An unclosed fence extends to the end of the buffer.
func scanFences(buf string) []fenceRegion {
	var regions []fenceRegion
	var open *fenceRegion

	lineStart := 0
	for lineStart <= len(buf) {
		lineEnd := strings.IndexByte(buf[lineStart:], '\n')
		var line string
		var next int
		if lineEnd < 0 {
			line = buf[lineStart:]
			next = len(buf) + 1
		} else {
			line = buf[lineStart : lineStart+lineEnd]
			next = lineStart + lineEnd + 1
		}

		indent, marker, length, rest, isFence := parseFenceLine(line)
		if open == nil {
			if isFence {
				open = &fenceRegion{
					start:    lineStart,
					indent:   indent,
					marker:   marker,
					length:   length,
					openLine: line,
				}
			}
		} else if isFence && marker == open.marker && length >= open.length && strings.TrimSpace(rest) == "" {
			open.end = next
			if lineEnd < 0 {
				open.end = len(buf)
			}
			regions = append(regions, *open)
			open = nil
		}

		lineStart = next
	}

	if open != nil {
		open.end = len(buf)
		regions = append(regions, *open)
	}
	return regions
}

// parseFenceLine reports whether a line is a fence delimiter, returning the
// text after the marker run (the info string on openers, which must be blank
// on closers).
func parseFenceLine(line string) (indent string, marker byte, length int, rest string, ok bool) {
	i := 0
	for i < len(line) && i < 3 && line[i] == ' ' {
		i++
	}
	indent = line[:i]
	if i >= len(line) {
		return "", 0, 0, "", false
	}
	m := line[i]
	if m != '`' && m != '~' {
		return "", 0, 0, "", false
	}
	j := i
	for j < len(line) && line[j] == m {
		j++
	}
	if j-i < 3 {
		return "", 0, 0, "", false
	}
	return indent, m, j - i, line[j:], true
}
