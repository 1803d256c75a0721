package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/aloudlabs/aloud-core/internal/protocol"
	"github.com/aloudlabs/aloud-core/internal/speech/backend"
	"github.com/aloudlabs/aloud-core/internal/speech/sink"
	"github.com/aloudlabs/aloud-core/internal/speech/split"
)

// Generator produces audio for one sentence. Streaming reports whether
// results arrive as playable chunks; when it is false each Generate call
// is itself audible and the look-ahead window collapses to one.
// Concurrent reports whether Generate tolerates overlapping calls.
type Generator interface {
	Generate(ctx context.Context, index int, text string, spec backend.VoiceSpec) (*backend.AudioChunk, error)
	Streaming() bool
	Concurrent() bool
}

// Notifier receives the utterance lifecycle stream.
type Notifier interface {
	Emit(event protocol.SpeakEvent)
}

// Runner drives one session to completion: it keeps the look-ahead
// window full of generation work and plays results strictly by index.
type Runner struct {
	gen     Generator
	out     sink.Sink
	notify  Notifier
	timeout time.Duration
	workers int
	metrics *Metrics
	log     *slog.Logger
}

func NewRunner(gen Generator, out sink.Sink, notify Notifier, timeout time.Duration, workers int, metrics *Metrics, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{
		gen:     gen,
		out:     out,
		notify:  notify,
		timeout: timeout,
		workers: workers,
		metrics: metrics,
		log:     logger.With("component", "pipeline"),
	}
}

func (r *Runner) emit(sess *Session, event protocol.SpeakEvent) {
	event.SessionID = sess.ID
	event.Timestamp = time.Now().UTC()
	r.notify.Emit(event)
}

// Run blocks until the session completes or aborts. Cancelling ctx
// aborts the session. A completed run ends with a complete event; an
// aborted run ends silently after the sink is cancelled.
func (r *Runner) Run(ctx context.Context, sess *Session) {
	total := len(sess.Sentences)
	r.emit(sess, protocol.SpeakEvent{Type: protocol.EventStart, TotalSentences: total})
	r.metrics.utterance(ctx, "started")

	if total == 0 {
		r.emit(sess, protocol.SpeakEvent{Type: protocol.EventComplete})
		r.metrics.utterance(ctx, "completed")
		return
	}

	effectiveWindow := 1
	if r.gen.Streaming() {
		effectiveWindow = sess.window
	}

	// At most effectiveWindow indices are ever claimed and unplayed, so a
	// queue of that size guarantees submit never blocks, including the
	// refills tasks issue from inside the workers.
	var exec executor
	if r.gen.Concurrent() && effectiveWindow > 1 {
		// More workers than the window can ever claim is wasted.
		workers := r.workers
		if workers <= 0 || workers > effectiveWindow {
			workers = effectiveWindow
		}
		exec = newPooledExecutor(workers, effectiveWindow)
	} else {
		exec = newSerialExecutor(effectiveWindow)
	}
	defer exec.close()

	// refill keeps generation claimed up to the window. It is called
	// again from each finished task and after every playback advance,
	// so the window refills as soon as the cursors allow.
	var refill func()
	refill = func() {
		for _, index := range sess.claim(effectiveWindow) {
			index := index
			text := sess.Sentences[index].Text
			exec.submit(func() {
				if sess.Aborted() || ctx.Err() != nil {
					return
				}
				genCtx, cancel := context.WithTimeout(ctx, r.timeout)
				chunk, err := r.gen.Generate(genCtx, index, text, sess.Voice)
				cancel()
				if err != nil {
					if ctx.Err() != nil || sess.Aborted() {
						return
					}
					r.log.Warn("sentence generation failed",
						"session", sess.ID, "index", index, "error", err)
					r.metrics.generationFailed(ctx)
					sess.store(index, &result{err: err})
				} else {
					sess.store(index, &result{chunk: chunk})
				}
				refill()
			})
		}
	}
	refill()

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			sess.Abort()
		}
		if sess.Aborted() {
			r.out.CancelNow()
			r.metrics.utterance(ctx, "aborted")
			return
		}
		if sess.finished() {
			r.emit(sess, protocol.SpeakEvent{Type: protocol.EventComplete})
			r.metrics.utterance(ctx, "completed")
			return
		}

		index, res, ok := sess.take()
		if !ok {
			select {
			case <-ctx.Done():
			case <-sess.wake:
			case <-ticker.C:
			}
			continue
		}

		text := sess.Sentences[index].Text
		r.emit(sess, protocol.SpeakEvent{
			Type:                protocol.EventSentenceStart,
			Index:               index,
			Text:                text,
			EstimatedDurationMS: int(r.estimate(text, res, sess.Voice.Speed).Milliseconds()),
		})

		switch {
		case res.err != nil:
			r.emit(sess, protocol.SpeakEvent{
				Type:    protocol.EventError,
				Index:   index,
				Message: res.err.Error(),
			})
		case res.chunk == nil || res.chunk.Rendered || len(res.chunk.Samples) == 0:
			// Nothing left to play: the fallback engine already spoke
			// it, or the sentence produced no audio.
		default:
			if err := r.out.Play(ctx, sess.ID, res.chunk); err != nil {
				if ctx.Err() != nil || sess.Aborted() {
					sess.Abort()
					r.out.CancelNow()
					r.metrics.utterance(ctx, "aborted")
					return
				}
				r.log.Warn("playback failed",
					"session", sess.ID, "index", index, "error", err)
				r.emit(sess, protocol.SpeakEvent{
					Type:    protocol.EventError,
					Index:   index,
					Message: "playback failed: " + err.Error(),
				})
			}
		}

		if sess.Aborted() {
			r.out.CancelNow()
			r.metrics.utterance(ctx, "aborted")
			return
		}

		r.emit(sess, protocol.SpeakEvent{Type: protocol.EventSentenceEnd, Index: index})
		r.metrics.sentencePlayed(ctx)
		sess.advance(index)
		refill()
	}
}

// estimate prefers the real chunk duration and falls back to a
// words-per-minute estimate when only text is available.
func (r *Runner) estimate(text string, res *result, speed float64) time.Duration {
	if res.chunk != nil && len(res.chunk.Samples) > 0 {
		return res.chunk.Duration()
	}
	return split.EstimateDuration(text, speed)
}
