// Package service exposes the narration pipeline on the bus. It owns the
// single active utterance: a new speak request aborts the one in flight
// before its own playback starts.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aloudlabs/aloud-core/internal/bus"
	"github.com/aloudlabs/aloud-core/internal/config"
	"github.com/aloudlabs/aloud-core/internal/eventstore"
	"github.com/aloudlabs/aloud-core/internal/protocol"
	"github.com/aloudlabs/aloud-core/internal/speech/backend"
	"github.com/aloudlabs/aloud-core/internal/speech/pipeline"
	"github.com/aloudlabs/aloud-core/internal/speech/sink"
	"github.com/aloudlabs/aloud-core/internal/speech/split"
)

type activeUtterance struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	sess    *pipeline.Session
	aborted bool
}

// install publishes the session once setup has finished. It reports
// false when the utterance was aborted during setup; the session must
// not run in that case.
func (u *activeUtterance) install(sess *pipeline.Session) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.aborted {
		return false
	}
	u.sess = sess
	return true
}

// abort cancels the utterance whether it is still in setup or already
// playing.
func (u *activeUtterance) abort() {
	u.cancel()
	u.mu.Lock()
	u.aborted = true
	sess := u.sess
	u.mu.Unlock()
	if sess != nil {
		sess.Abort()
	}
}

type Service struct {
	cfg      config.SpeechConfig
	bus      *bus.Client
	store    *eventstore.Store
	selector *backend.Selector
	runner   *pipeline.Runner
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	subs     []*nats.Subscription
	wg       sync.WaitGroup

	mu           sync.Mutex
	defaultVoice string
	active       *activeUtterance
}

func NewService(parent context.Context, cfg config.SpeechConfig, busClient *bus.Client, store *eventstore.Store, selector *backend.Selector, out sink.Sink, metrics *pipeline.Metrics, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	logger := log.With(slog.String("component", "speech-service"))

	var gen pipeline.Generator = selector
	if cfg.CaptureDir != "" {
		gen = &captureGenerator{inner: selector, dir: cfg.CaptureDir, log: logger}
	}
	notify := &busNotifier{bus: busClient, store: store, log: logger}
	timeout := time.Duration(cfg.GenerationTimeoutMS) * time.Millisecond

	return &Service{
		cfg:          cfg,
		bus:          busClient,
		selector:     selector,
		runner:       pipeline.NewRunner(gen, out, notify, timeout, cfg.Workers, metrics, logger),
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		defaultVoice: cfg.DefaultVoice,
		store:        store,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectSpeakRequest, s.handleSpeak},
		{protocol.SubjectSpeakStop, s.handleStop},
		{protocol.SubjectSpeakVoices, s.handleVoices},
		{protocol.SubjectSpeakVoiceSelect, s.handleVoiceSelect},
		{protocol.SubjectSpeakBackend, s.handleBackend},
		{protocol.SubjectSpeakReady, s.handleReady},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.abort()
		<-active.done
	}
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
	s.selector.Stop()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) > 0
}

func (s *Service) handleSpeak(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	s.mu.Lock()
	voice := req.Voice
	if voice == "" {
		voice = s.defaultVoice
	}
	s.mu.Unlock()
	speed := req.Speed
	if speed <= 0 {
		speed = s.cfg.Speed
	}

	runCtx, cancel := context.WithCancel(withSession(s.ctx, sessionID))
	if req.Target != "" {
		runCtx = sink.WithTarget(runCtx, req.Target)
	}
	entry := &activeUtterance{id: sessionID, cancel: cancel, done: make(chan struct{})}

	// Claim the active slot here, in the subscription callback. The
	// subscription delivers requests one at a time, so utterances take
	// over in arrival order no matter how long their setup runs.
	s.replaceActive(entry)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(entry.done)
		defer s.clearActive(entry)
		defer cancel()

		state := s.selector.EnsureReady(runCtx, voice)
		sentences := split.Split(req.Text)
		sess := pipeline.NewSession(sessionID, sentences, backend.VoiceSpec{Voice: voice, Speed: speed}, s.cfg.Window)
		if !entry.install(sess) {
			// Superseded while the engine loaded or the text split.
			return
		}

		runCtx, span := otel.Tracer("github.com/aloudlabs/aloud-core/speech").Start(runCtx, "utterance",
			trace.WithAttributes(
				attribute.String("session_id", sessionID),
				attribute.String("voice", voice),
				attribute.Int("sentences", len(sentences))))
		defer span.End()

		s.logger.Info("utterance starting",
			slog.String("session", sessionID),
			slog.String("voice", voice),
			slog.String("backend", string(s.selector.Backend())),
			slog.String("state", state.String()),
			slog.Int("sentences", len(sentences)))
		s.recordUtterance(sessionID, voice)

		s.runner.Run(runCtx, sess)
	}()
}

// replaceActive installs the next utterance and synchronously tears down
// the previous one. The new utterance must not start playing until the
// old one has fully stopped.
func (s *Service) replaceActive(next *activeUtterance) {
	s.mu.Lock()
	prev := s.active
	s.active = next
	s.mu.Unlock()

	if prev != nil {
		prev.abort()
		s.selector.Stop()
		<-prev.done
	}
}

func (s *Service) clearActive(entry *activeUtterance) {
	s.mu.Lock()
	if s.active == entry {
		s.active = nil
	}
	s.mu.Unlock()
}

func (s *Service) handleStop(msg *nats.Msg) {
	var stop protocol.SpeakStop
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &stop); err != nil {
			s.logger.Warn("failed to decode stop request", slogError(err))
			return
		}
	}

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return
	}
	if stop.SessionID != "" && stop.SessionID != active.id {
		return
	}

	s.logger.Info("utterance stopped", slog.String("session", active.id))
	active.abort()
	s.selector.Stop()
}

func (s *Service) handleVoices(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	fallback, err := s.selector.FallbackVoices(ctx)
	if err != nil {
		s.logger.Warn("failed to list fallback voices", slogError(err))
	}
	s.mu.Lock()
	def := s.defaultVoice
	s.mu.Unlock()

	s.respond(msg, protocol.VoiceList{
		Primary:  s.selector.PrimaryVoices(),
		Fallback: fallback,
		Default:  def,
	})
}

func (s *Service) handleVoiceSelect(msg *nats.Msg) {
	var sel protocol.VoiceSelect
	if err := json.Unmarshal(msg.Data, &sel); err != nil {
		s.logger.Warn("failed to decode voice selection", slogError(err))
		return
	}
	if sel.Voice == "" {
		return
	}
	s.mu.Lock()
	s.defaultVoice = sel.Voice
	s.mu.Unlock()
	s.logger.Info("default voice changed", slog.String("voice", sel.Voice))
	if msg.Reply != "" {
		s.respond(msg, protocol.VoiceSelect{Voice: sel.Voice})
	}
}

func (s *Service) handleBackend(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	s.respond(msg, protocol.BackendStatus{
		State:   s.selector.State().String(),
		Backend: string(s.selector.Backend()),
	})
}

func (s *Service) handleReady(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	s.mu.Lock()
	voice := s.defaultVoice
	s.mu.Unlock()
	state := s.selector.EnsureReady(s.ctx, voice)
	s.respond(msg, protocol.ReadyStatus{
		Ready: state == backend.StateReady,
		State: state.String(),
	})
}

func (s *Service) respond(msg *nats.Msg, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

func (s *Service) recordUtterance(sessionID, voice string) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.store.AppendUtterance(ctx, sessionID, voice, string(s.selector.Backend())); err != nil {
		s.logger.Warn("failed to record utterance", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
