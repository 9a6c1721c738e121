package tts

import (
	"context"
	"sync"
	"time"
)

// MockSink records utterances and simulates playback time.
type MockSink struct {
	duration time.Duration
	mu       sync.Mutex
	spoken   []string
	active   int
	overlap  bool
	fail     func(text string) error
}

func NewMockSink(duration time.Duration) *MockSink {
	return &MockSink{duration: duration}
}

// FailWith makes Speak return fn(text) when fn is non-nil.
func (m *MockSink) FailWith(fn func(text string) error) {
	m.mu.Lock()
	m.fail = fn
	m.mu.Unlock()
}

func (m *MockSink) Speak(ctx context.Context, text string) error {
	m.mu.Lock()
	m.active++
	if m.active > 1 {
		m.overlap = true
	}
	fail := m.fail
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}()

	if m.duration > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.duration):
		}
	}
	if fail != nil {
		if err := fail(text); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.spoken = append(m.spoken, text)
	m.mu.Unlock()
	return nil
}

// Spoken returns the utterances completed so far, in playback order.
func (m *MockSink) Spoken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.spoken...)
}

// Overlapped reports whether two Speak calls ever ran at the same time.
func (m *MockSink) Overlapped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlap
}
