package recognizer

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that describes its input
// instead of transcribing it. Useful for wiring tests and demos.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, _ int, _ int) (Result, error) {
	return Result{Text: fmt.Sprintf("[transcript length=%d]", len(pcm))}, nil
}
