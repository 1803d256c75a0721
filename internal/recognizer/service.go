package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aloudlabs/aloud-core/internal/bus"
	"github.com/aloudlabs/aloud-core/internal/config"
	"github.com/aloudlabs/aloud-core/internal/protocol"
)

// Service exposes the recognizer on the bus: one listen.request in,
// one listen.transcript out.
type Service struct {
	cfg        config.RecognizerConfig
	bus        *bus.Client
	recognizer Recognizer
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	ready      bool
}

func NewService(parent context.Context, cfg config.RecognizerConfig, busClient *bus.Client, rec Recognizer) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: rec,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectListenRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe listen requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.ListenRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.bus.Logger().Warn("failed to decode listen request", slogError(err))
		return
	}
	if len(req.PCM) == 0 {
		return
	}
	sampleRate := req.SampleRate
	if sampleRate <= 0 {
		sampleRate = s.cfg.SampleRate
	}
	channels := req.Channels
	if channels <= 0 {
		channels = s.cfg.Channels
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		result, err := s.recognizer.Transcribe(ctx, req.PCM, sampleRate, channels)
		if err != nil {
			s.bus.Logger().Warn("transcription failed", slogError(err))
			return
		}
		s.publishTranscript(req.SessionID, result)
	}()
}

func (s *Service) publishTranscript(sessionID string, result Result) {
	if result.Text == "" {
		return
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       result.Text,
		Confidence: result.Confidence,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.bus.Logger().Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTranscript, data); err != nil {
		s.bus.Logger().Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
