package sink

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aloudlabs/aloud-core/internal/config"
	"github.com/aloudlabs/aloud-core/internal/speech/backend"
	"github.com/ebitengine/oto/v3"
)

// Device plays PCM on the local audio device. The oto context is created
// once; its sample rate is fixed for the life of the process.
type Device struct {
	octx       *oto.Context
	log        *slog.Logger
	sampleRate int
	channels   int

	mu     sync.Mutex
	player *oto.Player
}

// NewDevice opens the local audio device at the pipeline's sample format.
func NewDevice(cfg config.PlaybackConfig, sampleRate, channels int, log *slog.Logger) (*Device, error) {
	options := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	}
	if cfg.BufferMS > 0 {
		options.BufferSize = time.Duration(cfg.BufferMS) * time.Millisecond
	}

	octx, ready, err := oto.NewContext(options)
	if err != nil {
		return nil, fmt.Errorf("open audio device: %w", err)
	}
	<-ready

	log.Info("audio device ready",
		slog.Int("sample_rate", sampleRate),
		slog.Int("channels", channels))

	return &Device{
		octx:       octx,
		log:        log.With(slog.String("component", "device-sink")),
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

func (d *Device) Play(ctx context.Context, sessionID string, chunk *backend.AudioChunk) error {
	if chunk == nil || len(chunk.Samples) == 0 {
		return nil
	}

	player := d.octx.NewPlayer(bytes.NewReader(pcmBytes(chunk.Samples)))

	d.mu.Lock()
	if d.player != nil {
		_ = d.player.Close()
	}
	d.player = player
	d.mu.Unlock()

	player.Play()

	// oto exposes no completion signal; poll until the device-side buffer
	// drains. Samples already handed to the hardware cannot be un-played,
	// so cancel just stops feeding and returns.
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.closeCurrent(player)
			return ctx.Err()
		case <-ticker.C:
			if !player.IsPlaying() {
				d.closeCurrent(player)
				return nil
			}
		}
	}
}

func (d *Device) closeCurrent(player *oto.Player) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = player.Close()
	if d.player == player {
		d.player = nil
	}
}

func (d *Device) CancelNow() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.player != nil {
		_ = d.player.Close()
		d.player = nil
	}
}

func (d *Device) Close() error {
	d.CancelNow()
	return nil
}
