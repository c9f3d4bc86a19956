package tele

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/scsdev/log2"
)

const maxLineSize = 1 << 20

type readResult struct {
	line []byte
	err  error
}

// StdioSource reads newline separated documents from r, usually stdin.
// Reader goroutine stays blocked in Read after ctx is done, same as any blocking stdin reader.
type StdioSource struct {
	once sync.Once
	r    io.Reader
	ch   chan readResult
}

func NewStdioSource(r io.Reader) *StdioSource {
	return &StdioSource{r: r, ch: make(chan readResult)}
}

func (s *StdioSource) reader() {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		s.ch <- readResult{line: line}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	s.ch <- readResult{err: err}
	close(s.ch)
}

func (s *StdioSource) ReadLine(ctx context.Context) ([]byte, error) {
	s.once.Do(func() { go s.reader() })
	select {
	case r, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		if r.err != nil && r.err != io.EOF {
			return nil, errors.Annotate(r.err, "stdin")
		}
		return r.line, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StdioSink writes one document per line, buffered until Flush.
type StdioSink struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func NewStdioSink(w io.Writer) *StdioSink {
	return &StdioSink{w: bufio.NewWriter(w)}
}

func (s *StdioSink) WriteLine(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	return s.w.WriteByte('\n')
}

func (s *StdioSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// LogSink narrates lines into log, for echo when stdout is not the channel.
type LogSink struct {
	Log    *log2.Log
	Prefix string
}

func (s LogSink) WriteLine(line []byte) error {
	s.Log.Infof("%s%s", s.Prefix, line)
	return nil
}

func (LogSink) Flush(context.Context) error { return nil }
