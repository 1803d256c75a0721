package backend

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/aloudlabs/aloud-core/internal/config"
	"github.com/mattn/go-shellwords"
)

// execEngine runs the neural synthesizer as a subprocess per generation:
// one JSON request on stdin, one JSON response line on stdout carrying
// base64 16-bit little-endian PCM.
type execEngine struct {
	cmd        []string
	sampleRate int
	channels   int
	speakers   int
	parallel   bool
	mu         sync.Mutex
}

type execGenRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type execGenResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Error     string `json:"error,omitempty"`
}

func newExecEngine(cfg config.SpeechConfig) (PrimaryEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse speech command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("speech command empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("speech command not found: %w", err)
	}
	return &execEngine{
		cmd:        args,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		speakers:   len(cfg.Voices),
		parallel:   cfg.Parallel,
	}, nil
}

func (e *execEngine) Generate(ctx context.Context, text string, spec VoiceSpec) (*AudioChunk, error) {
	if !e.parallel {
		e.mu.Lock()
		defer e.mu.Unlock()
	}

	payload, err := json.Marshal(execGenRequest{
		Text:       text,
		Voice:      spec.Voice,
		Speed:      spec.Speed,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return nil, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	if _, err := stdin.Write(payload); err != nil {
		cmd.Wait()
		return nil, err
	}
	stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	var resp execGenResponse
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, &resp); err != nil {
			cmd.Wait()
			return nil, fmt.Errorf("decode synth response: %w", err)
		}
		break
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("synth command failed: %w", err)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("synth error: %s", resp.Error)
	}

	pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
	if err != nil {
		return nil, fmt.Errorf("decode pcm payload: %w", err)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}

	return &AudioChunk{
		Samples:    samples,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	}, nil
}

func (e *execEngine) SampleRate() int   { return e.sampleRate }
func (e *execEngine) SpeakerCount() int { return e.speakers }
func (e *execEngine) Concurrent() bool  { return e.parallel }
func (e *execEngine) Close() error      { return nil }
