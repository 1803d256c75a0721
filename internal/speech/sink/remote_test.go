package sink

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aloudlabs/aloud-core/internal/config"
	"github.com/aloudlabs/aloud-core/internal/natsserver"
	"github.com/aloudlabs/aloud-core/internal/protocol"
	"github.com/aloudlabs/aloud-core/internal/speech/backend"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConn(t *testing.T) *nats.Conn {
	t.Helper()

	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, testLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}

// fakeSurface plays the remote end: it collects chunks for one target and
// acknowledges the final one with a done signal.
func fakeSurface(t *testing.T, conn *nats.Conn, target string) <-chan protocol.PlaybackChunk {
	t.Helper()

	chunks := make(chan protocol.PlaybackChunk, 16)
	sub, err := conn.Subscribe(protocol.PlaybackChunkSubject(target), func(msg *nats.Msg) {
		var chunk protocol.PlaybackChunk
		if err := json.Unmarshal(msg.Data, &chunk); err != nil {
			return
		}
		chunks <- chunk
		if chunk.Final {
			done, _ := json.Marshal(protocol.PlaybackDone{
				SessionID: chunk.SessionID,
				Target:    target,
				Sequence:  chunk.Sequence,
				Timestamp: time.Now(),
			})
			_ = conn.Publish(protocol.PlaybackDoneSubject(target), done)
		}
	})
	if err != nil {
		t.Fatalf("subscribe surface %q: %v", target, err)
	}
	t.Cleanup(func() { _ = sub.Drain() })
	return chunks
}

func shortChunk() *backend.AudioChunk {
	return &backend.AudioChunk{Samples: make([]int16, 2205), SampleRate: 22050, Channels: 1}
}

func TestRemotePlayResolvesOnDoneSignal(t *testing.T) {
	conn := testConn(t)
	den := fakeSurface(t, conn, "den")

	// The margin is deliberately huge so only the done signal can
	// resolve the play this fast.
	r, err := NewRemote(conn, config.PlaybackConfig{Target: "den", DoneMarginMS: 30000}, nil, testLogger())
	if err != nil {
		t.Fatalf("new remote sink: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	start := time.Now()
	if err := r.Play(context.Background(), "sess-den", shortChunk()); err != nil {
		t.Fatalf("play: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("play resolved on the margin, not the done signal: %v", elapsed)
	}

	select {
	case chunk := <-den:
		if chunk.Target != "den" || chunk.SessionID != "sess-den" {
			t.Fatalf("unexpected chunk routing: %+v", chunk)
		}
	default:
		t.Fatal("configured surface received no chunk")
	}
}

func TestRemotePlayPerRequestTargetOverride(t *testing.T) {
	conn := testConn(t)
	den := fakeSurface(t, conn, "den")
	alcove := fakeSurface(t, conn, "alcove")

	r, err := NewRemote(conn, config.PlaybackConfig{Target: "den", DoneMarginMS: 30000}, nil, testLogger())
	if err != nil {
		t.Fatalf("new remote sink: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	ctx := WithTarget(context.Background(), "alcove")
	start := time.Now()
	if err := r.Play(ctx, "sess-alcove", shortChunk()); err != nil {
		t.Fatalf("play: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("override target's done signal was not honored: %v", elapsed)
	}

	select {
	case chunk := <-alcove:
		if chunk.Target != "alcove" {
			t.Fatalf("chunk carries target %q, want alcove", chunk.Target)
		}
	default:
		t.Fatal("override surface received no chunk")
	}
	select {
	case chunk := <-den:
		t.Fatalf("configured surface received chunk for %q", chunk.SessionID)
	default:
	}
}

func TestRemotePlayRejectsDeadTarget(t *testing.T) {
	conn := testConn(t)

	r, err := NewRemote(conn, config.PlaybackConfig{Target: "den", DoneMarginMS: 100}, deadLiveness{}, testLogger())
	if err != nil {
		t.Fatalf("new remote sink: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	if err := r.Play(WithTarget(context.Background(), "nowhere"), "sess-x", shortChunk()); err == nil {
		t.Fatal("expected error for dead override target")
	}
}

type deadLiveness struct{}

func (deadLiveness) Alive(string) bool { return false }
