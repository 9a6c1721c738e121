package input

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-vcc/internal/command"
	"github.com/loqalabs/loqa-vcc/internal/dispatch"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSubmitter struct {
	lines []string
}

func (r *recordingSubmitter) Submit(text string) dispatch.Ack {
	r.lines = append(r.lines, text)
	kind, _, reason := command.ClassifyText(text)
	if kind == command.KindRejected {
		return dispatch.Ack{Accepted: false, SequenceID: uint64(len(r.lines)), Reason: reason}
	}
	return dispatch.Ack{Accepted: true, SequenceID: uint64(len(r.lines))}
}

func TestReaderSubmitsLines(t *testing.T) {
	sub := &recordingSubmitter{}
	in := strings.NewReader("/vc opn wai fei\r\n\n   \n/echo hi\nwhat\n")
	var out bytes.Buffer

	if err := NewReader(sub, 4096, newLogger()).Run(context.Background(), in, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sub.lines) != 3 || sub.lines[0] != "/vc opn wai fei" {
		t.Fatalf("unexpected submissions %q", sub.lines)
	}
	want := "accepted #1\naccepted #2\nrejected: unknown command form\n"
	if out.String() != want {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestReaderRejectsOversizedLine(t *testing.T) {
	sub := &recordingSubmitter{}
	in := strings.NewReader("/echo " + strings.Repeat("x", 64) + "\n/echo after\n/echo " + strings.Repeat("y", 5000))
	var out bytes.Buffer
	if err := NewReader(sub, 16, newLogger()).Run(context.Background(), in, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sub.lines) != 1 || sub.lines[0] != "/echo after" {
		t.Fatalf("unexpected submissions %q", sub.lines)
	}
	want := "rejected: command too large\naccepted #1\nrejected: command too large\n"
	if out.String() != want {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestReaderLastLineWithoutNewline(t *testing.T) {
	sub := &recordingSubmitter{}
	var out bytes.Buffer
	if err := NewReader(sub, 4096, newLogger()).Run(context.Background(), strings.NewReader("/echo one\n/echo two"), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "accepted #1\naccepted #2\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}
