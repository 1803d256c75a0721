package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aloudlabs/aloud-core/internal/config"
	"github.com/aloudlabs/aloud-core/internal/protocol"
	"github.com/aloudlabs/aloud-core/internal/speech/backend"
	"github.com/nats-io/nats.go"
)

// chunkDuration bounds the PCM carried by one bus message.
const chunkDuration = 400 * time.Millisecond

// Liveness answers whether a playback surface is currently alive.
// Satisfied by the surface registry.
type Liveness interface {
	Alive(target string) bool
}

// Remote forwards PCM to an external playback surface over the bus and
// waits for its completion signal. Surfaces occasionally lose the done
// message, so the wait self-heals: it also resolves after the chunk's
// estimated duration plus a configured margin.
type Remote struct {
	conn   *nats.Conn
	target string
	margin time.Duration
	live   Liveness
	log    *slog.Logger

	sub  *nats.Subscription
	done chan protocol.PlaybackDone

	mu       sync.Mutex
	sequence int
	cancel   chan struct{}
}

// NewRemote wires a sink to the surface named by cfg.Target. A speak
// request can redirect individual plays to another surface through
// WithTarget. live may be nil to skip surface liveness checks.
func NewRemote(conn *nats.Conn, cfg config.PlaybackConfig, live Liveness, log *slog.Logger) (*Remote, error) {
	r := &Remote{
		conn:   conn,
		target: cfg.Target,
		margin: time.Duration(cfg.DoneMarginMS) * time.Millisecond,
		live:   live,
		log:    log.With(slog.String("component", "remote-sink"), slog.String("target", cfg.Target)),
		done:   make(chan protocol.PlaybackDone, 8),
		cancel: make(chan struct{}),
	}

	// Done signals for every surface, not just the configured one:
	// per-request target overrides land on their own subjects, and the
	// session/sequence check below keeps foreign signals inert.
	sub, err := conn.Subscribe(protocol.SubjectPlaybackDonePrefix+".*", func(msg *nats.Msg) {
		var signal protocol.PlaybackDone
		if err := json.Unmarshal(msg.Data, &signal); err != nil {
			r.log.Warn("failed to decode playback done signal", slog.String("error", err.Error()))
			return
		}
		select {
		case r.done <- signal:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe playback done: %w", err)
	}
	r.sub = sub
	return r, nil
}

func (r *Remote) Play(ctx context.Context, sessionID string, chunk *backend.AudioChunk) error {
	if chunk == nil || len(chunk.Samples) == 0 {
		return nil
	}
	target := targetFrom(ctx, r.target)
	if r.live != nil && !r.live.Alive(target) {
		return fmt.Errorf("playback surface %q is not alive", target)
	}

	r.mu.Lock()
	// A fresh Play supersedes whatever was in flight.
	close(r.cancel)
	cancel := make(chan struct{})
	r.cancel = cancel
	finalSeq := r.publishLocked(sessionID, target, chunk)
	r.mu.Unlock()

	deadline := time.NewTimer(chunk.Duration() + r.margin)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cancel:
			return context.Canceled
		case signal := <-r.done:
			if signal.SessionID == sessionID && signal.Sequence >= finalSeq {
				return nil
			}
		case <-deadline.C:
			// Surface never confirmed; assume it played out.
			r.log.Debug("no completion signal from surface, resolving on estimate")
			return nil
		}
	}
}

// publishLocked streams the chunk's samples as bounded bus messages and
// returns the sequence number of the final one.
func (r *Remote) publishLocked(sessionID, target string, chunk *backend.AudioChunk) int {
	samplesPerMsg := int(float64(chunk.SampleRate*chunk.Channels) * chunkDuration.Seconds())
	if samplesPerMsg <= 0 {
		samplesPerMsg = len(chunk.Samples)
	}

	subject := protocol.PlaybackChunkSubject(target)
	var finalSeq int
	for offset := 0; offset < len(chunk.Samples); offset += samplesPerMsg {
		end := offset + samplesPerMsg
		if end > len(chunk.Samples) {
			end = len(chunk.Samples)
		}
		r.sequence++
		finalSeq = r.sequence
		packet := protocol.PlaybackChunk{
			SessionID:  sessionID,
			Target:     target,
			Sequence:   r.sequence,
			SampleRate: chunk.SampleRate,
			Channels:   chunk.Channels,
			PCM:        pcmBytes(chunk.Samples[offset:end]),
			Final:      end == len(chunk.Samples),
		}
		data, err := json.Marshal(packet)
		if err != nil {
			r.log.Warn("failed to marshal playback chunk", slog.String("error", err.Error()))
			continue
		}
		if err := r.conn.Publish(subject, data); err != nil {
			r.log.Warn("failed to publish playback chunk", slog.String("error", err.Error()))
		}
	}
	return finalSeq
}

func (r *Remote) CancelNow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	close(r.cancel)
	r.cancel = make(chan struct{})
}

func (r *Remote) Close() error {
	r.CancelNow()
	if r.sub != nil {
		return r.sub.Drain()
	}
	return nil
}
