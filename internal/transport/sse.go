package transport

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

const maxLineBytes = 1024 * 1024

// LineStream yields the lines of a streaming response body.
type LineStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	release func()
	once    sync.Once
}

// NewLineStream wraps an arbitrary body, mainly for tests and replays.
func NewLineStream(body io.ReadCloser) *LineStream {
	return newLineStream(body, nil)
}

func newLineStream(body io.ReadCloser, release func()) *LineStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &LineStream{
		body:    body,
		scanner: scanner,
		release: release,
	}
}

// Next returns the next line without its terminator. It returns io.EOF once
// the body is exhausted.
func (s *LineStream) Next() (string, error) {
	if s.scanner.Scan() {
		return strings.TrimSuffix(s.scanner.Text(), "\r"), nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}
	return "", io.EOF
}

// Close releases the underlying connection. It is safe to call more than once.
func (s *LineStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.body.Close()
		if s.release != nil {
			s.release()
		}
	})
	return err
}
