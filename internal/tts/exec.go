package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecSink runs a speech command per utterance, for example "espeak-ng
// --stdin" or "say -f -". The text is written to stdin and the command's exit
// marks completion.
type ExecSink struct {
	cmd   []string
	voice string
	mu    sync.Mutex
}

func NewExecSink(command, voice string) (*ExecSink, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	return &ExecSink{cmd: args, voice: voice}, nil
}

func (e *ExecSink) Speak(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = strings.NewReader(text + "\n")
	cmd.Env = append(os.Environ(), "VCC_TTS_VOICE="+e.voice)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("tts command failed: %w: %s", err, msg)
		}
		return fmt.Errorf("tts command failed: %w", err)
	}
	return nil
}
