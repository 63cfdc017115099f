package chunk

import (
	"strings"
	"testing"
	"unicode"
)

func collect(c *Chunker, force bool) []string {
	var out []string
	c.Drain(force, func(chunk string) { out = append(out, chunk) })
	return out
}

func normalizeWS(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func TestDrainWaitsBelowMin(t *testing.T) {
	c := New(50, 200)
	c.Append("short text")

	if got := collect(c, false); len(got) != 0 {
		t.Fatalf("non-forced drain below min emitted %v", got)
	}
	if c.Len() != len("short text") {
		t.Fatalf("buffer length = %d, want untouched", c.Len())
	}
}

func TestRoundTripFenceFree(t *testing.T) {
	const sentence = "The quick brown fox jumps over the lazy dog. "
	var original strings.Builder
	for i := 0; i < 40; i++ {
		original.WriteString(sentence)
		if i%7 == 3 {
			original.WriteString("\n\n")
		} else if i%5 == 2 {
			original.WriteString("\n")
		}
	}

	c := New(40, 160)
	// Feed in uneven streaming increments, collecting as we go.
	var chunks []string
	emit := func(s string) { chunks = append(chunks, s) }
	text := original.String()
	for i := 0; i < len(text); i += 33 {
		end := i + 33
		if end > len(text) {
			end = len(text)
		}
		c.Append(text[i:end])
		c.Drain(false, emit)
	}
	c.Drain(true, emit)

	if c.Len() != 0 {
		t.Fatalf("forced drain left %d bytes buffered", c.Len())
	}
	for i, ch := range chunks {
		if len(ch) > 160+1 { // +1 tolerance for included break byte
			t.Errorf("chunk %d length %d exceeds max", i, len(ch))
		}
		if strings.TrimSpace(ch) == "" {
			t.Errorf("chunk %d is whitespace-only", i)
		}
	}

	got := normalizeWS(strings.Join(chunks, " "))
	want := normalizeWS(text)
	if got != want {
		t.Fatalf("round trip mismatch:\n got: %.120q...\nwant: %.120q...", got, want)
	}
}

func TestPrefersParagraphBreak(t *testing.T) {
	body := strings.Repeat("alpha beta gamma ", 5) // ~85 chars of word soup
	text := body + "\n\n" + "second paragraph continues here with more words"

	c := New(20, len(body)+10)
	c.Append(text)

	chunks := collect(c, false)
	if len(chunks) == 0 {
		t.Fatal("no chunk emitted")
	}
	if got, want := chunks[0], strings.TrimRight(body, " "); normalizeWS(got) != normalizeWS(want) {
		t.Fatalf("first chunk = %q, want first paragraph", got)
	}
	if strings.HasPrefix(c.buf, "\n") {
		t.Fatalf("remainder keeps leading newlines: %q", c.buf[:10])
	}
}

func TestSentenceBreak(t *testing.T) {
	c := New(5, 14)
	c.Append("This is one. And more to come")

	chunks := collect(c, false)
	if len(chunks) == 0 {
		t.Fatal("no chunk emitted")
	}
	if chunks[0] != "This is one." {
		t.Fatalf("first chunk = %q, want sentence-end break", chunks[0])
	}
}

func TestHardCutWithoutWhitespace(t *testing.T) {
	c := New(10, 100)
	c.Append(strings.Repeat("x", 250))

	chunks := collect(c, true)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	for i, want := range []int{100, 100, 50} {
		if len(chunks[i]) != want {
			t.Errorf("chunk %d length = %d, want %d", i, len(chunks[i]), want)
		}
	}
	if strings.Join(chunks, "") != strings.Repeat("x", 250) {
		t.Fatal("hard cuts lost content")
	}
}

func TestForcedFinalFlushBreaksAtNewline(t *testing.T) {
	c := New(50, 200)
	c.Append("alpha\nbeta")

	chunks := collect(c, true)
	if len(chunks) != 2 || chunks[0] != "alpha" || chunks[1] != "beta" {
		t.Fatalf("chunks = %v, want [alpha beta]", chunks)
	}
}

func TestWhitespaceOnlyPrefixSkipped(t *testing.T) {
	c := New(1, 100)
	c.Append("\n\nhello")

	chunks := collect(c, true)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("chunks = %v, want [hello]", chunks)
	}
}

// fenceState walks a chunk line by line and reports whether every fence
// opened inside it is closed again, plus the opener line of an initial
// fence if the chunk starts inside one.
func fenceClosed(t *testing.T, chunk string) bool {
	t.Helper()
	var openMarker byte
	var openLen int
	open := false
	for _, line := range strings.Split(chunk, "\n") {
		indent, marker, length, rest, ok := parseFenceLine(line)
		_ = indent
		if !ok {
			continue
		}
		if !open {
			open = true
			openMarker = marker
			openLen = length
		} else if marker == openMarker && length >= openLen && strings.TrimSpace(rest) == "" {
			open = false
		}
	}
	return !open
}

func TestFenceNeverSplitUnsafely(t *testing.T) {
	var b strings.Builder
	b.WriteString("Intro paragraph before the code sample.\n\n")
	b.WriteString("```go\n")
	for i := 0; i < 30; i++ {
		b.WriteString("fmt.Println(\"a fairly long line of generated code\")\n")
	}
	b.WriteString("```\n")
	b.WriteString("Outro text after the block.")

	c := New(40, 200)
	c.Append(b.String())

	var chunks []string
	c.Drain(true, func(s string) { chunks = append(chunks, s) })

	if len(chunks) < 3 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if !fenceClosed(t, ch) {
			t.Errorf("chunk %d leaves a fence open:\n%s", i, ch)
		}
	}

	// Continuation chunks inside the block must reopen with the original
	// marker and info string.
	reopened := 0
	for _, ch := range chunks[1:] {
		if strings.HasPrefix(ch, "```go\n") {
			reopened++
		}
	}
	if reopened == 0 {
		t.Error("no chunk reopened the fence with the original opener line")
	}

	// All code content survives the splits. Fence delimiter lines are
	// synthesized at cut points, so strip them before comparing.
	var got strings.Builder
	for _, ch := range chunks {
		got.WriteString(stripFenceLines(ch))
	}
	if want := stripFenceLines(b.String()); got.String() != want {
		t.Errorf("content after split:\n got: %.120q...\nwant: %.120q...", got.String(), want)
	}
}

// stripFenceLines drops fence delimiter lines and all whitespace, leaving
// just the content characters for order-preserving comparison.
func stripFenceLines(s string) string {
	var out strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if _, _, _, _, ok := parseFenceLine(line); ok {
			continue
		}
		for _, r := range line {
			if !unicode.IsSpace(r) {
				out.WriteRune(r)
			}
		}
	}
	return out.String()
}

func TestTildeFenceRequiresLongerCloser(t *testing.T) {
	text := "~~~~\ncode with inner ~~~ marker\n~~~\nmore code\n~~~~\ntail text after the block ends"
	fences := scanFences(text)
	if len(fences) != 1 {
		t.Fatalf("fence regions = %d, want 1", len(fences))
	}
	f := fences[0]
	if f.length != 4 || f.marker != '~' {
		t.Fatalf("opener parsed as marker=%c length=%d", f.marker, f.length)
	}
	// The inner ~~~ (length 3 < 4) must not close the block.
	closeIdx := strings.Index(text, "~~~~\ntail")
	if f.end <= closeIdx {
		t.Fatalf("fence closed early at %d, want past %d", f.end, closeIdx)
	}
}

func TestIndentedFenceDetected(t *testing.T) {
	text := "   ```\nindented fence body\n   ```\nafter"
	fences := scanFences(text)
	if len(fences) != 1 {
		t.Fatalf("fence regions = %d, want 1", len(fences))
	}
	if fences[0].indent != "   " {
		t.Fatalf("indent = %q, want three spaces", fences[0].indent)
	}
}

func TestFourSpaceIndentIsNotAFence(t *testing.T) {
	text := "    ```\nnot a fence, just an indented code block line"
	if fences := scanFences(text); len(fences) != 0 {
		t.Fatalf("fence regions = %d, want 0", len(fences))
	}
}
