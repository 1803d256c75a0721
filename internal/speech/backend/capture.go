package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// CaptureWAV writes a generated chunk to dir as a 16-bit WAV file, named
// by session and sentence index. Used when speech.capture_dir is set to
// keep an audible record of what the pipeline produced.
func CaptureWAV(dir, sessionID string, chunk *AudioChunk) (string, error) {
	if chunk == nil || len(chunk.Samples) == 0 {
		return "", fmt.Errorf("no samples to capture")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create capture dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-%04d.wav", sessionID, chunk.Index))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create capture file: %w", err)
	}
	defer file.Close()

	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: chunk.Channels, SampleRate: chunk.SampleRate},
		Data:   make([]int, len(chunk.Samples)),
	}
	for i, s := range chunk.Samples {
		buffer.Data[i] = int(s)
	}

	enc := wav.NewEncoder(file, chunk.SampleRate, 16, chunk.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return "", fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("close wav encoder: %w", err)
	}
	return path, nil
}
