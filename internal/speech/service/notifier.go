package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aloudlabs/aloud-core/internal/bus"
	"github.com/aloudlabs/aloud-core/internal/eventstore"
	"github.com/aloudlabs/aloud-core/internal/protocol"
	"github.com/aloudlabs/aloud-core/internal/speech/backend"
	"github.com/aloudlabs/aloud-core/internal/speech/pipeline"
)

// busNotifier fans lifecycle events out to the per-session bus subject
// and into the utterance timeline. Event order is preserved: the
// pipeline emits from a single goroutine and Emit is synchronous.
type busNotifier struct {
	bus   *bus.Client
	store *eventstore.Store
	log   *slog.Logger
}

func (n *busNotifier) Emit(event protocol.SpeakEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		n.log.Warn("failed to marshal lifecycle event", slogError(err))
		return
	}
	if err := n.bus.Conn().Publish(protocol.EventSubject(event.SessionID), data); err != nil {
		n.log.Warn("failed to publish lifecycle event", slogError(err))
	}
	if n.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = n.store.AppendEvent(ctx, eventstore.Event{
		SessionID:     event.SessionID,
		Type:          event.Type,
		SentenceIndex: event.Index,
		Payload:       data,
	})
	if err != nil {
		n.log.Warn("failed to persist lifecycle event", slogError(err))
	}
}

// captureGenerator tees generated audio into WAV files alongside the
// normal pipeline flow. Capture failures never fail generation.
type captureGenerator struct {
	inner pipeline.Generator
	dir   string
	log   *slog.Logger
}

func (g *captureGenerator) Generate(ctx context.Context, index int, text string, spec backend.VoiceSpec) (*backend.AudioChunk, error) {
	chunk, err := g.inner.Generate(ctx, index, text, spec)
	if err != nil {
		return nil, err
	}
	if len(chunk.Samples) > 0 {
		if sessionID, ok := sessionFromContext(ctx); ok {
			if _, err := backend.CaptureWAV(g.dir, sessionID, chunk); err != nil {
				g.log.Warn("failed to capture chunk", slogError(err))
			}
		}
	}
	return chunk, nil
}

func (g *captureGenerator) Streaming() bool  { return g.inner.Streaming() }
func (g *captureGenerator) Concurrent() bool { return g.inner.Concurrent() }

type sessionKey struct{}

func withSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

func sessionFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionKey{}).(string)
	return id, ok && id != ""
}
