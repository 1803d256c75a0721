package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/aloudlabs/aloud-core/internal/config"
)

// Selector owns the primary-engine state machine and routes generation to
// whichever engine backs the current session. Created once per process and
// reused across sessions.
type Selector struct {
	cfg      config.SpeechConfig
	log      *slog.Logger
	fallback FallbackEngine

	// construct builds the primary engine when the state machine enters
	// StateLoading. Swapped for a stub in tests.
	construct func(config.SpeechConfig) (PrimaryEngine, error)

	mu      sync.Mutex
	state   State
	primary PrimaryEngine
}

func NewSelector(cfg config.SpeechConfig, fallback FallbackEngine, log *slog.Logger) *Selector {
	s := &Selector{
		cfg:      cfg,
		log:      log.With(slog.String("component", "backend-selector")),
		fallback: fallback,
		state:    StateUninitialized,
	}
	switch cfg.Mode {
	case "exec":
		s.construct = newExecEngine
	default:
		s.construct = func(cfg config.SpeechConfig) (PrimaryEngine, error) {
			return NewMockPrimary(cfg.SampleRate, cfg.Channels), nil
		}
	}
	return s
}

// EnsureReady applies the selection policy for preferredVoice and returns
// the resulting state. A voice known to the primary engine forces an
// initialization attempt; any other voice leaves the session on the
// fallback unless the primary is already up. StateUnavailable is sticky:
// it is never retried automatically, only by an explicit Reset.
func (s *Selector) EnsureReady(ctx context.Context, preferredVoice string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateReady, StateUnavailable:
		return s.state
	}

	if preferredVoice != "" && !s.isPrimaryVoice(preferredVoice) {
		// Foreign voice: stay uninitialized and serve from the fallback
		// until a primary voice is requested.
		return s.state
	}

	return s.initializeLocked(ctx)
}

func (s *Selector) initializeLocked(ctx context.Context) State {
	if s.cfg.ModelPath != "" {
		if _, err := os.Stat(s.cfg.ModelPath); err != nil {
			s.log.Warn("model files missing, routing to fallback engine",
				slog.String("model_path", s.cfg.ModelPath),
				slog.String("error", err.Error()))
			s.state = StateUnavailable
			return s.state
		}
	}

	s.state = StateLoading
	engine, err := s.construct(s.cfg)
	if err != nil {
		s.log.Warn("primary engine construction failed, routing to fallback engine",
			slog.String("error", err.Error()))
		s.state = StateUnavailable
		return s.state
	}

	s.primary = engine
	s.state = StateReady
	s.log.Info("primary engine ready",
		slog.Int("sample_rate", engine.SampleRate()),
		slog.Int("speakers", engine.SpeakerCount()))
	return s.state
}

func (s *Selector) isPrimaryVoice(voice string) bool {
	for _, v := range s.cfg.Voices {
		if v == voice {
			return true
		}
	}
	// An empty voice list means the engine decides; treat every voice as
	// a primary candidate then.
	return len(s.cfg.Voices) == 0
}

// Generate produces audio for one sentence through whichever engine backs
// the session. On the fallback path the engine speaks immediately and the
// returned chunk is marked Rendered.
func (s *Selector) Generate(ctx context.Context, index int, text string, spec VoiceSpec) (*AudioChunk, error) {
	s.mu.Lock()
	engine := s.primary
	ready := s.state == StateReady
	s.mu.Unlock()

	if ready {
		chunk, err := engine.Generate(ctx, text, spec)
		if err != nil {
			return nil, fmt.Errorf("primary generate: %w", err)
		}
		chunk.Index = index
		chunk.SourceText = text
		return chunk, nil
	}

	if err := s.fallback.Speak(ctx, text, spec); err != nil {
		return nil, fmt.Errorf("fallback speak: %w", err)
	}
	return &AudioChunk{Index: index, SourceText: text, Rendered: true}, nil
}

// Streaming reports whether generation returns buffered samples that the
// sequencer plays itself. False means the engine renders audio on its own
// and the pipeline degrades to single-shot playback per sentence.
func (s *Selector) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady
}

// Concurrent reports whether multiple generation calls may be outstanding.
func (s *Selector) Concurrent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady && s.cfg.Parallel && s.primary.Concurrent()
}

// Backend names the engine currently serving generation.
func (s *Selector) Backend() Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReady {
		return KindPrimary
	}
	return KindFallback
}

// State returns the current primary-engine state.
func (s *Selector) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PrimaryVoices lists the voices the primary engine is configured with.
func (s *Selector) PrimaryVoices() []string {
	return append([]string(nil), s.cfg.Voices...)
}

// FallbackVoices lists the installed system voices.
func (s *Selector) FallbackVoices(ctx context.Context) ([]string, error) {
	return s.fallback.Voices(ctx)
}

// Stop interrupts any in-flight fallback speech.
func (s *Selector) Stop() {
	s.fallback.Stop()
}

// Reset tears the state machine down to StateUninitialized so the next
// EnsureReady may retry the primary engine.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primary != nil {
		if err := s.primary.Close(); err != nil {
			s.log.Warn("primary engine close failed", slog.String("error", err.Error()))
		}
		s.primary = nil
	}
	s.state = StateUninitialized
}
