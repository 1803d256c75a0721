// Package backend selects and drives the speech synthesis engines. A
// process holds one Selector; its state machine decides per session
// whether text is rendered by the primary neural engine or spoken
// directly by the system-voice fallback.
package backend

import (
	"context"
	"time"
)

// State is the lifecycle of the primary engine. It moves strictly
// forward; only an explicit Reset returns it to StateUninitialized.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Kind names which engine served a generation.
type Kind string

const (
	KindPrimary  Kind = "primary"
	KindFallback Kind = "fallback"
)

// VoiceSpec carries the per-utterance voice parameters.
type VoiceSpec struct {
	Voice string
	Speed float64
}

// AudioChunk is one sentence worth of generated audio. The scheduler owns
// a chunk until it hands it to the sequencer for playback.
type AudioChunk struct {
	Index      int
	SourceText string
	Samples    []int16
	SampleRate int
	Channels   int

	// Rendered marks audio the fallback engine already spoke itself.
	// The sequencer advances past a rendered chunk without touching
	// the sink.
	Rendered bool
}

// Duration is the exact playback length of the chunk's samples.
func (c *AudioChunk) Duration() time.Duration {
	if c == nil || c.SampleRate <= 0 || len(c.Samples) == 0 {
		return 0
	}
	frames := len(c.Samples)
	if c.Channels > 1 {
		frames /= c.Channels
	}
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// PrimaryEngine is the narrow contract of the neural synthesizer.
type PrimaryEngine interface {
	Generate(ctx context.Context, text string, spec VoiceSpec) (*AudioChunk, error)
	SampleRate() int
	SpeakerCount() int
	// Concurrent reports whether independent Generate calls may be in
	// flight simultaneously.
	Concurrent() bool
	Close() error
}

// FallbackEngine is the always-available system voice. Speak blocks until
// the utterance has been rendered audibly; there are no samples to hand
// back.
type FallbackEngine interface {
	Speak(ctx context.Context, text string, spec VoiceSpec) error
	Stop()
	Voices(ctx context.Context) ([]string, error)
}
