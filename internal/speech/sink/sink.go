// Package sink renders generated PCM as audible output, either on the
// local audio device or on a remote playback surface reached over the
// bus. Both implementations satisfy one contract: Play blocks until the
// chunk has been rendered, and CancelNow settles any in-flight Play
// promptly.
package sink

import (
	"context"
	"encoding/binary"

	"github.com/aloudlabs/aloud-core/internal/speech/backend"
)

// Sink is the playback destination for one session. Starting a Play while
// another is in flight cancels the earlier one first.
type Sink interface {
	Play(ctx context.Context, sessionID string, chunk *backend.AudioChunk) error
	CancelNow()
	Close() error
}

type targetKey struct{}

// WithTarget overrides the configured playback surface for plays made
// under ctx. Sinks without a surface concept ignore it.
func WithTarget(ctx context.Context, target string) context.Context {
	return context.WithValue(ctx, targetKey{}, target)
}

// targetFrom resolves the surface for one play: the context override if
// present, otherwise the sink's configured fallback.
func targetFrom(ctx context.Context, fallback string) string {
	if t, ok := ctx.Value(targetKey{}).(string); ok && t != "" {
		return t
	}
	return fallback
}

// pcmBytes converts samples to the 16-bit little-endian wire layout shared
// by the device driver and the playback surface protocol.
func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Discard drops audio. Used in headless deployments and tests.
type Discard struct{}

func (Discard) Play(ctx context.Context, sessionID string, chunk *backend.AudioChunk) error {
	return ctx.Err()
}

func (Discard) CancelNow()   {}
func (Discard) Close() error { return nil }
