package report

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kolkov/usagetrace/internal/usage/unit"
)

// Output writes formatted events, one per line, to a stream or file.
type Output struct {
	mu     sync.Mutex
	w      io.Writer
	buf    *bufio.Writer // nil when unbuffered
	closer io.Closer     // nil for standard streams
	format Formatter
	run    string
	logger *slog.Logger
	line   []byte
	closed bool
}

// OpenOutput opens target ("stdout", "stderr" or a file path, truncated) and
// returns a reporter writing to it through a buffer of bufferSize bytes.
// A bufferSize of 0 writes every event immediately.
func OpenOutput(target string, bufferSize int, format Formatter, run string, logger *slog.Logger) (*Output, error) {
	var (
		w      io.Writer
		closer io.Closer
	)
	switch target {
	case "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.Create(target)
		if err != nil {
			return nil, fmt.Errorf("open usage output %s: %w", target, err)
		}
		w, closer = f, f
		if logger != nil {
			logger.Info("writing usage events to file", slog.String("path", target))
		}
	}
	o := NewOutput(w, bufferSize, format, run, logger)
	o.closer = closer
	return o, nil
}

// NewOutput returns a reporter writing to w. w is not closed by
// FlushAndClose.
func NewOutput(w io.Writer, bufferSize int, format Formatter, run string, logger *slog.Logger) *Output {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	o := &Output{w: w, format: format, run: run, logger: logger}
	if bufferSize > 0 {
		o.buf = bufio.NewWriterSize(w, bufferSize)
		o.w = o.buf
	}
	return o
}

// RecordFirstUsage writes one event line.
func (o *Output) RecordFirstUsage(t time.Time, u *unit.Unit, sig unit.Signature) {
	e := NewEvent(t, u, sig, o.run)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.line = append(o.format.AppendEvent(o.line[:0], e), '\n')
	if _, err := o.w.Write(o.line); err != nil {
		o.logger.Error("writing usage event failed",
			slog.String("signature", string(sig)),
			slog.String("error", err.Error()))
	}
}

// FlushAndClose flushes buffered events and closes a file target.
func (o *Output) FlushAndClose() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true

	var errs []error
	if o.buf != nil {
		if err := o.buf.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush usage output: %w", err))
		}
	}
	if o.closer != nil {
		if err := o.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close usage output: %w", err))
		}
	}
	return errors.Join(errs...)
}
