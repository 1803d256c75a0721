package backend

import (
	"context"
	"sync"
	"time"
)

// MockPrimary synthesizes silence at a fixed rate. It stands in for the
// neural engine in development mode and in tests.
type MockPrimary struct {
	sampleRate int
	channels   int

	// Delay is applied before every Generate call.
	Delay time.Duration
	// Fail scripts per-text failures.
	Fail map[string]error
}

func NewMockPrimary(sampleRate, channels int) *MockPrimary {
	return &MockPrimary{sampleRate: sampleRate, channels: channels}
}

func (m *MockPrimary) Generate(ctx context.Context, text string, spec VoiceSpec) (*AudioChunk, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if err, ok := m.Fail[text]; ok {
		return nil, err
	}
	// 50ms of silence per sentence keeps mock playback snappy.
	n := m.sampleRate * m.channels / 20
	return &AudioChunk{
		Samples:    make([]int16, n),
		SampleRate: m.sampleRate,
		Channels:   m.channels,
	}, nil
}

func (m *MockPrimary) SampleRate() int   { return m.sampleRate }
func (m *MockPrimary) SpeakerCount() int { return 1 }
func (m *MockPrimary) Concurrent() bool  { return true }
func (m *MockPrimary) Close() error      { return nil }

// MockFallback records what the system voice would have spoken.
type MockFallback struct {
	mu     sync.Mutex
	spoken []string

	// Delay is applied before each Speak returns.
	Delay     time.Duration
	VoiceList []string
}

func NewMockFallback() *MockFallback {
	return &MockFallback{}
}

func (m *MockFallback) Speak(ctx context.Context, text string, spec VoiceSpec) error {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	m.mu.Lock()
	m.spoken = append(m.spoken, text)
	m.mu.Unlock()
	return nil
}

func (m *MockFallback) Stop() {}

func (m *MockFallback) Voices(ctx context.Context) ([]string, error) {
	return append([]string(nil), m.VoiceList...), nil
}

// Spoken returns the texts spoken so far.
func (m *MockFallback) Spoken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.spoken...)
}
