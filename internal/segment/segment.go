package segment

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// minChunkRunes is the trimmed size a chunk must exceed before a boundary
// line may flush it.
const minChunkRunes = 50

const fence = "```"

var boundaryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^#`),                          // markdown heading
	regexp.MustCompile(`^\w+(?: \w+)+:$`),             // "Word Word:" heading
	regexp.MustCompile(`^(?:-{3,}|\*{3,}|_{3,})$`),    // horizontal rule
	regexp.MustCompile(`^>`),                          // blockquote
	regexp.MustCompile(`^\|.*\|$`),                    // table row
	regexp.MustCompile(`^(?:={3,}|(?:\* ){2,}\*|§+)`), // section break
	regexp.MustCompile(`^(?:[-*]|\d)`),                // list item
	regexp.MustCompile(`^[\w .-]+:\s+\S`),             // key: value
}

// Split segments an accumulated text buffer into complete chunks that are safe
// to emit, plus the remainder that must be held until more text arrives.
//
// Only newline-terminated lines are considered; a trailing partial line always
// stays in the remainder. A chunk is flushed before a boundary line (or at a
// blank line) once its trimmed length exceeds 50 characters, and never while a
// ``` fence is open. Re-running Split on remainder+newText yields the same
// chunks as running it once on the whole text.
func Split(buffer string) (chunks []string, remainder string) {
	var s Segmenter
	chunks = s.Write(buffer)
	return chunks, s.Remainder()
}

// Segmenter applies the Split rules to text that arrives in pieces. Each
// line is examined once, so feeding n bytes costs O(n) overall. The zero value
// is ready to use.
type Segmenter struct {
	current strings.Builder
	partial strings.Builder
	inFence bool
}

// Write appends text and returns the chunks it completed.
func (s *Segmenter) Write(text string) []string {
	var chunks []string
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			s.partial.WriteString(text)
			return chunks
		}

		line := text[:idx]
		text = text[idx+1:]
		if s.partial.Len() > 0 {
			s.partial.WriteString(line)
			line = s.partial.String()
			s.partial.Reset()
		}
		chunks = s.line(line, chunks)
	}
}

// InFence reports whether the held text ends inside a ``` fence, counting a
// fence marker on the unterminated last line.
func (s *Segmenter) InFence() bool {
	if strings.HasPrefix(strings.TrimSpace(s.partial.String()), fence) {
		return !s.inFence
	}
	return s.inFence
}

// Remainder returns the held text without consuming it.
func (s *Segmenter) Remainder() string {
	return s.current.String() + s.partial.String()
}

// Flush returns the held text and resets the segmenter.
func (s *Segmenter) Flush() string {
	rest := s.Remainder()
	s.current.Reset()
	s.partial.Reset()
	s.inFence = false
	return rest
}

func (s *Segmenter) line(line string, chunks []string) []string {
	trimmed := strings.TrimSpace(line)
	blank := trimmed == ""

	if !s.inFence && (blank || isBoundary(trimmed)) && longEnough(s.current.String()) {
		chunks = appendChunk(chunks, s.current.String())
		s.current.Reset()
		if blank {
			return chunks
		}
	}

	if blank && s.current.Len() == 0 {
		return chunks
	}

	s.current.WriteString(line)
	s.current.WriteByte('\n')

	if strings.HasPrefix(trimmed, fence) {
		s.inFence = !s.inFence
	}
	return chunks
}

func isBoundary(trimmed string) bool {
	for _, re := range boundaryPatterns {
		if re.MatchString(trimmed) {
			return true
		}
	}
	return false
}

func longEnough(chunk string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(chunk)) > minChunkRunes
}

func appendChunk(chunks []string, chunk string) []string {
	chunk = strings.TrimSpace(chunk)
	if chunk == "" {
		return chunks
	}
	return append(chunks, chunk)
}
