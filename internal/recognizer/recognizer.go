// Package recognizer turns captured speech into text. It runs next to
// the narration pipeline but shares nothing with it beyond the bus.
package recognizer

import (
	"context"
)

// Result captures recognizer output for one request.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts speech-to-text backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int) (Result, error)
}
