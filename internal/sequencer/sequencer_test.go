package sequencer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/config"
	"github.com/loqalabs/loqa-vcc/internal/eventstore"
	"github.com/loqalabs/loqa-vcc/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newSequencer(t *testing.T, maxPending int, sink tts.Sink, rec Recorder) *Sequencer {
	t.Helper()
	return New(config.SequencerConfig{MaxPending: maxPending, MaxSpeakMS: 1000}, sink, rec, newLogger())
}

func run(t *testing.T, s *Sequencer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitSpoken(t *testing.T, sink *tts.MockSink, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := sink.Spoken(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d utterances, got %v", n, sink.Spoken())
	return nil
}

func utterance(seq uint64, origin Origin) Utterance {
	return Utterance{SequenceID: seq, Text: "u" + strconv.FormatUint(seq, 10), Origin: origin}
}

func TestEmitsInOrderDespiteArrival(t *testing.T) {
	sink := tts.NewMockSink(time.Millisecond)
	s := newSequencer(t, 16, sink, nil)
	run(t, s)

	for _, seq := range []uint64{3, 2, 5, 1, 4} {
		if err := s.Enqueue(utterance(seq, OriginDirect)); err != nil {
			t.Fatalf("enqueue %d: %v", seq, err)
		}
	}
	got := waitSpoken(t, sink, 5)
	if strings.Join(got, ",") != "u1,u2,u3,u4,u5" {
		t.Fatalf("unexpected order %v", got)
	}
	if sink.Overlapped() {
		t.Fatal("sink called concurrently")
	}
	if s.Next() != 6 {
		t.Fatalf("expected next 6, got %d", s.Next())
	}
}

func TestHoldsUntilGapFilled(t *testing.T) {
	sink := tts.NewMockSink(0)
	s := newSequencer(t, 16, sink, nil)
	run(t, s)

	if err := s.Enqueue(utterance(2, OriginDirect)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if len(sink.Spoken()) != 0 {
		t.Fatalf("emitted before gap filled: %v", sink.Spoken())
	}
	if s.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", s.Pending())
	}
	if err := s.Enqueue(utterance(1, OriginCorrected)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got := waitSpoken(t, sink, 2)
	if strings.Join(got, ",") != "u1,u2" {
		t.Fatalf("unexpected order %v", got)
	}
	select {
	case <-s.Drained():
	case <-time.After(time.Second):
		t.Fatal("drained never signalled")
	}
}

func TestSkipAdvancesPastRejectedIDs(t *testing.T) {
	sink := tts.NewMockSink(0)
	s := newSequencer(t, 16, sink, nil)
	run(t, s)

	if err := s.Enqueue(utterance(3, OriginDirect)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Skip(2); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if err := s.Enqueue(utterance(1, OriginDirect)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got := waitSpoken(t, sink, 2)
	if strings.Join(got, ",") != "u1,u3" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestOverflowOnThirdStalledUtterance(t *testing.T) {
	sink := tts.NewMockSink(0)
	s := newSequencer(t, 2, sink, nil)

	// #1 is still awaiting correction, so #2..#4 cannot be emitted.
	if err := s.Enqueue(utterance(2, OriginCorrected)); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	if err := s.Enqueue(utterance(3, OriginCorrected)); err != nil {
		t.Fatalf("enqueue 3: %v", err)
	}
	err := s.Enqueue(utterance(4, OriginCorrected))
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if s.Pending() != 2 {
		t.Fatalf("overflowed utterance was buffered: pending=%d", s.Pending())
	}

	// The head is always accepted so the backlog can drain.
	if err := s.Enqueue(utterance(1, OriginCorrected)); err != nil {
		t.Fatalf("enqueue head: %v", err)
	}
	run(t, s)
	waitSpoken(t, sink, 3)
	if err := s.Enqueue(utterance(4, OriginCorrected)); err != nil {
		t.Fatalf("re-enqueue after drain: %v", err)
	}
	got := waitSpoken(t, sink, 4)
	if strings.Join(got, ",") != "u1,u2,u3,u4" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestRejectsDuplicates(t *testing.T) {
	sink := tts.NewMockSink(0)
	s := newSequencer(t, 16, sink, nil)
	run(t, s)

	if err := s.Enqueue(utterance(2, OriginDirect)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Enqueue(utterance(2, OriginDirect)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate for queued id, got %v", err)
	}
	if err := s.Skip(2); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate skip, got %v", err)
	}
	if err := s.Enqueue(utterance(1, OriginDirect)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitSpoken(t, sink, 2)
	if err := s.Enqueue(utterance(1, OriginDirect)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate for emitted id, got %v", err)
	}
	if err := s.Enqueue(utterance(0, OriginDirect)); err == nil {
		t.Fatal("expected error for id 0")
	}
	if got := sink.Spoken(); len(got) != 2 {
		t.Fatalf("utterance emitted more than once: %v", got)
	}
}

func TestConcurrentEnqueueExactlyOnce(t *testing.T) {
	const n = 200
	sink := tts.NewMockSink(0)
	s := newSequencer(t, n, sink, nil)
	run(t, s)

	order := rand.New(rand.NewSource(7)).Perm(n)
	var wg sync.WaitGroup
	for _, i := range order {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			if seq%10 == 0 {
				if err := s.Skip(seq); err != nil {
					t.Errorf("skip %d: %v", seq, err)
				}
				return
			}
			if err := s.Enqueue(utterance(seq, OriginDirect)); err != nil {
				t.Errorf("enqueue %d: %v", seq, err)
			}
		}(uint64(i + 1))
	}
	wg.Wait()

	want := make([]string, 0, n)
	for seq := uint64(1); seq <= n; seq++ {
		if seq%10 != 0 {
			want = append(want, "u"+strconv.FormatUint(seq, 10))
		}
	}
	got := waitSpoken(t, sink, len(want))
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected emission order %v", got)
	}
	if sink.Overlapped() {
		t.Fatal("sink called concurrently")
	}
}

func TestSinkFailureDoesNotStall(t *testing.T) {
	sink := tts.NewMockSink(0)
	sink.FailWith(func(text string) error {
		if text == "u1" {
			return errors.New("device busy")
		}
		return nil
	})
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{RetentionMode: "memory", MaxEvents: 10}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	s := newSequencer(t, 16, sink, store)
	run(t, s)
	for seq := uint64(1); seq <= 2; seq++ {
		if err := s.Enqueue(utterance(seq, OriginDirect)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitSpoken(t, sink, 1)

	deadline := time.Now().Add(time.Second)
	for {
		events, err := store.ListRecent(context.Background(), eventstore.KindUtterance, 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(events) == 2 {
			if events[1].Status != "FAILED" || events[0].Status != "SPOKEN" {
				t.Fatalf("unexpected ledger %+v", events)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 ledger entries, got %d", len(events))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSpeakBoundedByMaxSpeak(t *testing.T) {
	sink := tts.NewMockSink(time.Hour)
	s := New(config.SequencerConfig{MaxPending: 4, MaxSpeakMS: 20}, sink, nil, newLogger())
	run(t, s)

	if err := s.Enqueue(utterance(1, OriginDirect)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Enqueue(utterance(2, OriginDirect)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for s.Next() != 3 || s.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stuck speaking: next=%d pending=%d", s.Next(), s.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
