package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aloudlabs/aloud-core/internal/bus"
	"github.com/aloudlabs/aloud-core/internal/config"
	"github.com/aloudlabs/aloud-core/internal/natsserver"
	"github.com/aloudlabs/aloud-core/internal/protocol"
	"github.com/aloudlabs/aloud-core/internal/speech/backend"
	"github.com/aloudlabs/aloud-core/internal/speech/sink"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func speechCfg() config.SpeechConfig {
	return config.SpeechConfig{
		Enabled:             true,
		Mode:                "mock",
		Voices:              []string{"amber"},
		DefaultVoice:        "amber",
		Speed:               1.0,
		SampleRate:          22050,
		Channels:            1,
		Window:              3,
		GenerationTimeoutMS: 5000,
	}
}

// startTestBus brings up an embedded server on a random port plus a
// connected client and registers cleanup for both.
func startTestBus(t *testing.T) *bus.Client {
	t.Helper()

	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, testLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, testLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func startTestService(t *testing.T, client *bus.Client, cfg config.SpeechConfig, out sink.Sink) *Service {
	t.Helper()

	selector := backend.NewSelector(cfg, backend.NewMockFallback(), testLogger())
	svc := NewService(context.Background(), cfg, client, nil, selector, out, nil, testLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

// slowSink paces playback so tests can interleave control messages with
// an utterance still in flight.
type slowSink struct {
	delay time.Duration
}

func (s *slowSink) Play(ctx context.Context, sessionID string, chunk *backend.AudioChunk) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slowSink) CancelNow()   {}
func (s *slowSink) Close() error { return nil }

func subscribeEvents(t *testing.T, client *bus.Client, sessionID string) <-chan protocol.SpeakEvent {
	t.Helper()

	events := make(chan protocol.SpeakEvent, 64)
	sub, err := client.Conn().Subscribe(protocol.EventSubject(sessionID), func(msg *nats.Msg) {
		var event protocol.SpeakEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		events <- event
	})
	if err != nil {
		t.Fatalf("subscribe events: %v", err)
	}
	t.Cleanup(func() { _ = sub.Drain() })
	return events
}

func speak(t *testing.T, client *bus.Client, req protocol.SpeakRequest) {
	t.Helper()

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := client.Conn().Publish(protocol.SubjectSpeakRequest, data); err != nil {
		t.Fatalf("publish request: %v", err)
	}
}

func nextEvent(t *testing.T, events <-chan protocol.SpeakEvent) protocol.SpeakEvent {
	t.Helper()

	select {
	case event := <-events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for lifecycle event")
		return protocol.SpeakEvent{}
	}
}

func TestServiceSpeakLifecycle(t *testing.T) {
	client := startTestBus(t)
	startTestService(t, client, speechCfg(), sink.Discard{})

	const sessionID = "sess-lifecycle"
	events := subscribeEvents(t, client, sessionID)
	speak(t, client, protocol.SpeakRequest{SessionID: sessionID, Text: "First one. Second one."})

	want := []string{
		protocol.EventStart,
		protocol.EventSentenceStart, protocol.EventSentenceEnd,
		protocol.EventSentenceStart, protocol.EventSentenceEnd,
		protocol.EventComplete,
	}
	for i, wantType := range want {
		event := nextEvent(t, events)
		if event.Type != wantType {
			t.Fatalf("event %d: got %q, want %q", i, event.Type, wantType)
		}
	}
}

func TestServiceStopAbortsUtterance(t *testing.T) {
	client := startTestBus(t)
	cfg := speechCfg()
	startTestService(t, client, cfg, &slowSink{delay: 50 * time.Millisecond})

	const sessionID = "sess-stop"
	events := subscribeEvents(t, client, sessionID)

	// A long utterance keeps the pipeline busy while stop arrives.
	longText := ""
	for i := 0; i < 50; i++ {
		longText += "Another sentence to narrate. "
	}
	speak(t, client, protocol.SpeakRequest{SessionID: sessionID, Text: longText})

	if event := nextEvent(t, events); event.Type != protocol.EventStart {
		t.Fatalf("got %q, want start", event.Type)
	}

	stopData, _ := json.Marshal(protocol.SpeakStop{SessionID: sessionID})
	if err := client.Conn().Publish(protocol.SubjectSpeakStop, stopData); err != nil {
		t.Fatalf("publish stop: %v", err)
	}

	// After the stop lands no complete event may arrive. Drain briefly.
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case event := <-events:
			if event.Type == protocol.EventComplete {
				t.Fatal("stopped utterance emitted complete")
			}
		case <-deadline:
			return
		}
	}
}

func TestServiceBackendQuery(t *testing.T) {
	client := startTestBus(t)
	startTestService(t, client, speechCfg(), sink.Discard{})

	msg, err := client.Conn().Request(protocol.SubjectSpeakBackend, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("backend query: %v", err)
	}
	var status protocol.BackendStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	// Nothing has initialized the primary yet.
	if status.Backend != string(backend.KindFallback) {
		t.Fatalf("backend = %q, want fallback before first use", status.Backend)
	}
}

func TestServiceReadyQueryInitializes(t *testing.T) {
	client := startTestBus(t)
	startTestService(t, client, speechCfg(), sink.Discard{})

	msg, err := client.Conn().Request(protocol.SubjectSpeakReady, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("ready query: %v", err)
	}
	var ready protocol.ReadyStatus
	if err := json.Unmarshal(msg.Data, &ready); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	if !ready.Ready {
		t.Fatalf("ready = false, state %q", ready.State)
	}
}

func TestServiceVoiceSelect(t *testing.T) {
	client := startTestBus(t)
	svc := startTestService(t, client, speechCfg(), sink.Discard{})

	data, _ := json.Marshal(protocol.VoiceSelect{Voice: "kestrel"})
	if err := client.Conn().Publish(protocol.SubjectSpeakVoiceSelect, data); err != nil {
		t.Fatalf("publish voice select: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		svc.mu.Lock()
		voice := svc.defaultVoice
		svc.mu.Unlock()
		if voice == "kestrel" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("default voice never updated")
}

func TestServiceRapidRequestsKeepArrivalOrder(t *testing.T) {
	client := startTestBus(t)
	startTestService(t, client, speechCfg(), &slowSink{delay: 20 * time.Millisecond})

	eventsFirst := subscribeEvents(t, client, "sess-first")
	eventsSecond := subscribeEvents(t, client, "sess-second")

	// The first utterance carries enough text that its setup is still
	// splitting when the second request lands. The second request must
	// take over regardless: utterances supersede each other in arrival
	// order, not in order of setup completion.
	var bulk strings.Builder
	for i := 0; i < 15000; i++ {
		bulk.WriteString("Mr. Smith showed fig. 4 to Dr. Jones, e.g. the narrow plot. ")
	}
	speak(t, client, protocol.SpeakRequest{SessionID: "sess-first", Text: bulk.String()})
	speak(t, client, protocol.SpeakRequest{SessionID: "sess-second", Text: "The later request wins. Every time."})

	deadline := time.After(15 * time.Second)
	for {
		select {
		case event := <-eventsSecond:
			if event.Type == protocol.EventComplete {
				return
			}
		case event := <-eventsFirst:
			t.Fatalf("superseded utterance emitted %q after being replaced", event.Type)
		case <-deadline:
			t.Fatal("newer utterance never completed")
		}
	}
}
