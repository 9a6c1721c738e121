// Package input feeds line-oriented text commands into the dispatcher.
package input

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-vcc/internal/command"
	"github.com/loqalabs/loqa-vcc/internal/dispatch"
)

// Submitter accepts one raw command.
type Submitter interface {
	Submit(text string) dispatch.Ack
}

// Reader submits each non-blank line from r and writes the acknowledgement
// to w.
type Reader struct {
	submitter Submitter
	maxBytes  int
	logger    *slog.Logger
}

func NewReader(submitter Submitter, maxBytes int, logger *slog.Logger) *Reader {
	return &Reader{
		submitter: submitter,
		maxBytes:  maxBytes,
		logger:    logger.With(slog.String("component", "input-reader")),
	}
}

// Run reads until EOF or ctx ends. A line longer than the command limit is
// rejected and reading continues with the next line.
func (r *Reader) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	br := bufio.NewReader(in)
	for {
		line, tooLarge, err := r.readLine(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			r.logger.Warn("input stream ended with error", slog.String("error", err.Error()))
			return fmt.Errorf("read commands: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if tooLarge {
			r.logger.Warn("command line exceeds limit", slog.Int("max_bytes", r.maxBytes))
			fmt.Fprintf(out, "rejected: %s\n", command.ReasonTooLarge)
			continue
		}
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		ack := r.submitter.Submit(line)
		if ack.Accepted {
			fmt.Fprintf(out, "accepted #%d\n", ack.SequenceID)
		} else {
			fmt.Fprintf(out, "rejected: %s\n", ack.Reason)
		}
	}
}

// readLine returns the next line without its terminator. An oversized line
// is consumed to its end but not kept.
func (r *Reader) readLine(br *bufio.Reader) (string, bool, error) {
	var (
		buf      []byte
		read     bool
		tooLarge bool
	)
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && read {
				return string(buf), tooLarge, nil
			}
			return "", false, err
		}
		read = true
		if !tooLarge {
			buf = append(buf, chunk...)
			if r.maxBytes > 0 && len(buf) > r.maxBytes {
				tooLarge = true
				buf = nil
			}
		}
		if !isPrefix {
			return string(buf), tooLarge, nil
		}
	}
}
