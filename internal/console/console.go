// Package console synchronizes with an asynchronously booting system by
// scanning its live console output for literal substrings.
package console

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"system-transparency.org/sbverify/internal/fault"
)

const (
	readSize     = 4096
	transcriptSz = 4096
)

// TimeoutError is returned when none of the expected patterns showed up in
// time.  Tail holds the most recent console output as evidence.
type TimeoutError struct {
	Patterns []string
	Timeout  time.Duration
	Tail     string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v: %q not observed within %v", fault.ErrConsoleTimeout, e.Patterns, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return fault.ErrConsoleTimeout
}

// Expecter scans a console stream strictly forward.  Each call to Expect
// continues where the previous match ended, so a later pattern is only
// searched for after an earlier one was found.
type Expecter struct {
	clock  clock.Clock
	log    *zap.Logger
	closer io.Closer

	chunks  chan []byte
	quit    chan struct{}
	once    sync.Once
	readErr error // valid once chunks is closed

	pending    []byte
	transcript []byte
}

// New starts reading r in the background.  If r is an io.Closer, Close
// closes it.
func New(r io.Reader, clk clock.Clock, log *zap.Logger) *Expecter {
	e := &Expecter{
		clock:  clk,
		log:    log,
		chunks: make(chan []byte, 16),
		quit:   make(chan struct{}),
	}
	if c, ok := r.(io.Closer); ok {
		e.closer = c
	}
	go e.read(r)
	return e
}

func (e *Expecter) read(r io.Reader) {
	defer close(e.chunks)
	for {
		buf := make([]byte, readSize)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case e.chunks <- buf[:n]:
			case <-e.quit:
				return
			}
		}
		if err != nil {
			e.readErr = err
			return
		}
	}
}

// Expect blocks until one of patterns is observed and returns its index.
// When several patterns are present in the same output, the one that starts
// first wins.  Matching is exact and case-sensitive.
func (e *Expecter) Expect(ctx context.Context, timeout time.Duration, patterns ...string) (int, error) {
	if len(patterns) == 0 {
		return -1, fmt.Errorf("no patterns to expect")
	}
	for _, p := range patterns {
		if len(p) == 0 {
			return -1, fmt.Errorf("empty pattern")
		}
	}
	if i, ok := e.match(patterns); ok {
		return i, nil
	}

	timer := e.clock.Timer(timeout)
	defer timer.Stop()
	for {
		select {
		case chunk, ok := <-e.chunks:
			if !ok {
				return -1, fmt.Errorf("%w: waiting for %q: %v", fault.ErrConsoleClosed, patterns, e.readErr)
			}
			e.record(chunk)
			e.pending = append(e.pending, chunk...)
			if i, ok := e.match(patterns); ok {
				return i, nil
			}
			e.trim(patterns)
		case <-timer.C:
			return -1, &TimeoutError{Patterns: patterns, Timeout: timeout, Tail: e.Transcript()}
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
}

// ExpectSequence expects each pattern in turn, all with the same timeout
func (e *Expecter) ExpectSequence(ctx context.Context, timeout time.Duration, patterns ...string) error {
	for _, p := range patterns {
		if _, err := e.Expect(ctx, timeout, p); err != nil {
			return err
		}
	}
	return nil
}

// Transcript returns the most recent console output
func (e *Expecter) Transcript() string {
	return string(e.transcript)
}

// Close stops the background reader
func (e *Expecter) Close() error {
	var err error
	e.once.Do(func() {
		close(e.quit)
		if e.closer != nil {
			err = e.closer.Close()
		}
	})
	return err
}

// match consumes pending output up to and including the earliest match
func (e *Expecter) match(patterns []string) (int, bool) {
	best, bestAt := -1, -1
	for i, p := range patterns {
		at := bytes.Index(e.pending, []byte(p))
		if at < 0 {
			continue
		}
		if bestAt < 0 || at < bestAt {
			best, bestAt = i, at
		}
	}
	if best < 0 {
		return -1, false
	}
	rest := e.pending[bestAt+len(patterns[best]):]
	e.pending = append([]byte(nil), rest...)
	e.log.Debug("console match", zap.String("pattern", patterns[best]))
	return best, true
}

// trim drops output that can no longer be part of a match
func (e *Expecter) trim(patterns []string) {
	keep := 0
	for _, p := range patterns {
		if len(p)-1 > keep {
			keep = len(p) - 1
		}
	}
	if len(e.pending) > keep {
		e.pending = append([]byte(nil), e.pending[len(e.pending)-keep:]...)
	}
}

func (e *Expecter) record(chunk []byte) {
	e.transcript = append(e.transcript, chunk...)
	if n := len(e.transcript); n > transcriptSz {
		e.transcript = append([]byte(nil), e.transcript[n-transcriptSz:]...)
	}
}
