package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aloudlabs/aloud-core/internal/protocol"
	"github.com/aloudlabs/aloud-core/internal/speech/backend"
	"github.com/aloudlabs/aloud-core/internal/speech/split"
)

type fakeGenerator struct {
	streaming  bool
	concurrent bool
	rendered   bool
	delays     map[int]time.Duration
	fail       map[int]error
	onGenerate func(index int)

	mu    sync.Mutex
	calls []int
}

func (g *fakeGenerator) Generate(ctx context.Context, index int, text string, spec backend.VoiceSpec) (*backend.AudioChunk, error) {
	g.mu.Lock()
	g.calls = append(g.calls, index)
	g.mu.Unlock()
	if g.onGenerate != nil {
		g.onGenerate(index)
	}
	if d := g.delays[index]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := g.fail[index]; err != nil {
		return nil, err
	}
	if g.rendered {
		return &backend.AudioChunk{Index: index, SourceText: text, Rendered: true}, nil
	}
	return &backend.AudioChunk{
		Index:      index,
		SourceText: text,
		Samples:    make([]int16, 2205),
		SampleRate: 22050,
		Channels:   1,
	}, nil
}

func (g *fakeGenerator) Streaming() bool  { return g.streaming }
func (g *fakeGenerator) Concurrent() bool { return g.concurrent }

type recordSink struct {
	delay time.Duration

	mu      sync.Mutex
	played  []int
	cancels int
}

func (s *recordSink) Play(ctx context.Context, sessionID string, chunk *backend.AudioChunk) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.played = append(s.played, chunk.Index)
	s.mu.Unlock()
	return nil
}

func (s *recordSink) CancelNow() {
	s.mu.Lock()
	s.cancels++
	s.mu.Unlock()
}

func (s *recordSink) Close() error { return nil }

type recordNotifier struct {
	mu     sync.Mutex
	events []protocol.SpeakEvent
}

func (n *recordNotifier) Emit(event protocol.SpeakEvent) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

// shorthand captures an event stream as "type" or "type:index" strings.
func (n *recordNotifier) shorthand() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		switch e.Type {
		case protocol.EventStart, protocol.EventComplete:
			out = append(out, e.Type)
		default:
			out = append(out, fmt.Sprintf("%s:%d", e.Type, e.Index))
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeSentences(n int) []split.Sentence {
	out := make([]split.Sentence, n)
	for i := range out {
		out[i] = split.Sentence{Index: i, Text: fmt.Sprintf("Sentence number %d.", i)}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRunPlaysInIndexOrderDespiteCompletionOrder(t *testing.T) {
	// Earlier sentences take longer to generate than later ones, so
	// results complete back to front. Playback order must not care.
	gen := &fakeGenerator{
		streaming:  true,
		concurrent: true,
		delays: map[int]time.Duration{
			0: 60 * time.Millisecond,
			1: 30 * time.Millisecond,
			2: 5 * time.Millisecond,
		},
	}
	out := &recordSink{}
	notes := &recordNotifier{}
	runner := NewRunner(gen, out, notes, time.Second, 0, nil, testLogger())

	sess := NewSession("s1", makeSentences(3), backend.VoiceSpec{}, 3)
	runner.Run(context.Background(), sess)

	want := []int{0, 1, 2}
	out.mu.Lock()
	played := append([]int(nil), out.played...)
	out.mu.Unlock()
	if len(played) != len(want) {
		t.Fatalf("played %v, want %v", played, want)
	}
	for i := range want {
		if played[i] != want[i] {
			t.Fatalf("played %v, want %v", played, want)
		}
	}

	wantEvents := []string{
		"start",
		"sentence-start:0", "sentence-end:0",
		"sentence-start:1", "sentence-end:1",
		"sentence-start:2", "sentence-end:2",
		"complete",
	}
	if got := notes.shorthand(); !equalStrings(got, wantEvents) {
		t.Fatalf("events = %v, want %v", got, wantEvents)
	}
}

func TestRunHonorsLookAheadWindow(t *testing.T) {
	const window = 3
	var (
		mu     sync.Mutex
		maxLag int
	)
	gen := &fakeGenerator{
		streaming:  true,
		concurrent: true,
		delays:     map[int]time.Duration{},
	}
	out := &recordSink{delay: 15 * time.Millisecond}
	sess := NewSession("s1", makeSentences(8), backend.VoiceSpec{}, window)
	gen.onGenerate = func(int) {
		mu.Lock()
		if l := sess.lag(); l > maxLag {
			maxLag = l
		}
		mu.Unlock()
	}
	runner := NewRunner(gen, out, &recordNotifier{}, time.Second, 0, nil, testLogger())
	runner.Run(context.Background(), sess)

	mu.Lock()
	defer mu.Unlock()
	if maxLag > window {
		t.Fatalf("generation ran %d ahead of playback, window is %d", maxLag, window)
	}
}

func TestRunSkipsFailedSentenceAndContinues(t *testing.T) {
	gen := &fakeGenerator{
		streaming: true,
		fail:      map[int]error{1: errors.New("model rejected input")},
	}
	out := &recordSink{}
	notes := &recordNotifier{}
	runner := NewRunner(gen, out, notes, time.Second, 0, nil, testLogger())

	sess := NewSession("s1", makeSentences(3), backend.VoiceSpec{}, 3)
	runner.Run(context.Background(), sess)

	want := []string{
		"start",
		"sentence-start:0", "sentence-end:0",
		"sentence-start:1", "error:1", "sentence-end:1",
		"sentence-start:2", "sentence-end:2",
		"complete",
	}
	if got := notes.shorthand(); !equalStrings(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	if len(out.played) != 2 {
		t.Fatalf("played %v, want two sentences around the failed one", out.played)
	}
}

func TestRunGenerationTimeoutSkips(t *testing.T) {
	gen := &fakeGenerator{
		streaming: true,
		delays:    map[int]time.Duration{0: 10 * time.Second},
	}
	notes := &recordNotifier{}
	runner := NewRunner(gen, &recordSink{}, notes, 30*time.Millisecond, 0, nil, testLogger())

	sess := NewSession("s1", makeSentences(2), backend.VoiceSpec{}, 2)
	runner.Run(context.Background(), sess)

	want := []string{
		"start",
		"sentence-start:0", "error:0", "sentence-end:0",
		"sentence-start:1", "sentence-end:1",
		"complete",
	}
	if got := notes.shorthand(); !equalStrings(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRunAbortStopsWithoutComplete(t *testing.T) {
	gen := &fakeGenerator{streaming: true}
	out := &recordSink{delay: 5 * time.Second}
	notes := &recordNotifier{}
	runner := NewRunner(gen, out, notes, time.Second, 0, nil, testLogger())

	sess := NewSession("s1", makeSentences(4), backend.VoiceSpec{}, 2)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		runner.Run(ctx, sess)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}

	// Abort is idempotent after the fact.
	sess.Abort()
	sess.Abort()

	for _, e := range notes.shorthand() {
		if e == "complete" {
			t.Fatal("aborted session emitted complete")
		}
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.cancels == 0 {
		t.Fatal("sink was never cancelled")
	}
}

func TestRunEmptyInput(t *testing.T) {
	notes := &recordNotifier{}
	runner := NewRunner(&fakeGenerator{streaming: true}, &recordSink{}, notes, time.Second, 0, nil, testLogger())

	sess := NewSession("s1", nil, backend.VoiceSpec{}, 3)
	runner.Run(context.Background(), sess)

	want := []string{"start", "complete"}
	if got := notes.shorthand(); !equalStrings(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if notes.events[0].TotalSentences != 0 {
		t.Fatalf("start event total = %d, want 0", notes.events[0].TotalSentences)
	}
}

func TestRunRenderedChunksBypassSink(t *testing.T) {
	// A non-streaming generator speaks during Generate; the sink must
	// not receive its chunks, and generation must stay one ahead at most.
	gen := &fakeGenerator{streaming: false, rendered: true}
	out := &recordSink{}
	notes := &recordNotifier{}
	runner := NewRunner(gen, out, notes, time.Second, 0, nil, testLogger())

	sess := NewSession("s1", makeSentences(3), backend.VoiceSpec{}, 3)
	runner.Run(context.Background(), sess)

	out.mu.Lock()
	played := len(out.played)
	out.mu.Unlock()
	if played != 0 {
		t.Fatalf("sink played %d chunks, want 0", played)
	}

	gen.mu.Lock()
	calls := append([]int(nil), gen.calls...)
	gen.mu.Unlock()
	for i := range calls {
		if calls[i] != i {
			t.Fatalf("generation order %v, want strictly sequential", calls)
		}
	}

	want := []string{
		"start",
		"sentence-start:0", "sentence-end:0",
		"sentence-start:1", "sentence-end:1",
		"sentence-start:2", "sentence-end:2",
		"complete",
	}
	if got := notes.shorthand(); !equalStrings(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRunWindowWiderThanWorkerQueue(t *testing.T) {
	// The executors size their queues from the effective window, so the
	// refills issued from inside a running task can never block the
	// worker on its own queue, however wide the window is configured.
	cases := []struct {
		name       string
		concurrent bool
	}{
		{name: "serial", concurrent: false},
		{name: "pooled", concurrent: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gen := &fakeGenerator{streaming: true, concurrent: tc.concurrent}
			out := &recordSink{}
			notes := &recordNotifier{}
			runner := NewRunner(gen, out, notes, time.Second, 0, nil, testLogger())

			sess := NewSession("s1", makeSentences(200), backend.VoiceSpec{}, 128)

			done := make(chan struct{})
			go func() {
				runner.Run(context.Background(), sess)
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Fatal("run stalled with a wide look-ahead window")
			}

			out.mu.Lock()
			played := len(out.played)
			out.mu.Unlock()
			if played != 200 {
				t.Fatalf("played %d sentences, want 200", played)
			}
			events := notes.shorthand()
			if len(events) == 0 || events[len(events)-1] != "complete" {
				t.Fatalf("events did not end with complete: %v", events)
			}
		})
	}
}
