// Package pipeline coordinates sentence generation and ordered playback
// for one utterance at a time. Generation runs ahead of playback inside a
// bounded look-ahead window; playback consumes strictly by sentence
// index, regardless of the order results arrive in.
package pipeline

import (
	"sync"

	"github.com/aloudlabs/aloud-core/internal/speech/backend"
	"github.com/aloudlabs/aloud-core/internal/speech/split"
)

// result is a completed generation. A non-nil err is the skip sentinel:
// playback advances past the sentence without audio.
type result struct {
	chunk *backend.AudioChunk
	err   error
}

// Session is the mutable state of one active utterance. The scheduler
// writes nextToGenerate and pending, the sequencer writes nextToPlay;
// both observe aborted as a one-way flag before every mutating step.
type Session struct {
	ID        string
	Voice     backend.VoiceSpec
	Sentences []split.Sentence

	window int

	mu             sync.Mutex
	nextToGenerate int
	nextToPlay     int
	pending        map[int]*result
	aborted        bool

	// wake is signaled whenever pending gains an entry or the session
	// aborts, so the sequencer never busy-polls.
	wake chan struct{}
}

// NewSession prepares the state for one utterance. window is the maximum
// number of sentences generation may run ahead of playback.
func NewSession(id string, sentences []split.Sentence, voice backend.VoiceSpec, window int) *Session {
	if window < 1 {
		window = 1
	}
	return &Session{
		ID:        id,
		Voice:     voice,
		Sentences: sentences,
		window:    window,
		pending:   make(map[int]*result),
		wake:      make(chan struct{}, 1),
	}
}

// Abort flips the session's abort flag. Idempotent; generation stops
// being requested and the sequencer's wait exits promptly.
func (s *Session) Abort() {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.mu.Unlock()
	s.signal()
}

// Aborted reports whether the session has been aborted.
func (s *Session) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// store records a generation result and wakes the sequencer. Results
// arriving after an abort are discarded.
func (s *Session) store(index int, res *result) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.pending[index] = res
	s.mu.Unlock()
	s.signal()
}

// take returns the result at the playback cursor, if present.
func (s *Session) take() (int, *result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.pending[s.nextToPlay]
	return s.nextToPlay, res, ok
}

// advance moves the playback cursor past index and releases its chunk.
func (s *Session) advance(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, index)
	if index == s.nextToPlay {
		s.nextToPlay++
	}
}

// finished reports whether every sentence has been played.
func (s *Session) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextToPlay >= len(s.Sentences)
}

// claim hands out the next batch of sentence indices eligible for
// generation under the effective window, advancing nextToGenerate.
// Calling it when no work is available returns an empty batch.
func (s *Session) claim(effectiveWindow int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return nil
	}
	limit := s.nextToPlay + effectiveWindow
	if n := len(s.Sentences); limit > n {
		limit = n
	}
	var indices []int
	for s.nextToGenerate < limit {
		indices = append(indices, s.nextToGenerate)
		s.nextToGenerate++
	}
	return indices
}

// lag is the current distance between the generation and playback
// cursors. Exposed for tests asserting the window bound.
func (s *Session) lag() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextToGenerate - s.nextToPlay
}
