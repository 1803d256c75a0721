package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/aloudlabs/aloud-core/internal/config"
	"github.com/mattn/go-shellwords"
)

// execFallback drives a system-voice command (say, espeak-ng, spd-say and
// the like). The command renders audio itself; Speak returns once the
// process exits.
type execFallback struct {
	cmd       []string
	voicesCmd []string

	mu      sync.Mutex
	current *exec.Cmd
}

// NewExecFallback builds the system-voice engine from the configured
// command lines.
func NewExecFallback(cfg config.FallbackConfig) (FallbackEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse fallback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("fallback command empty")
	}

	var voicesArgs []string
	if cfg.VoicesCommand != "" {
		voicesArgs, err = parser.Parse(cfg.VoicesCommand)
		if err != nil {
			return nil, fmt.Errorf("parse fallback voices command: %w", err)
		}
	}
	return &execFallback{cmd: args, voicesCmd: voicesArgs}, nil
}

func (f *execFallback) Speak(ctx context.Context, text string, spec VoiceSpec) error {
	args := append([]string{}, f.cmd[1:]...)
	if spec.Voice != "" {
		args = append(args, "--voice", spec.Voice)
	}
	if spec.Speed > 0 && spec.Speed != 1.0 {
		args = append(args, "--speed", strconv.FormatFloat(spec.Speed, 'f', 2, 64))
	}
	args = append(args, text)

	cmd := exec.CommandContext(ctx, f.cmd[0], args...)

	f.mu.Lock()
	// One system-voice process at a time; a straggler is interrupted
	// before the next sentence starts.
	if f.current != nil && f.current.Process != nil {
		_ = f.current.Process.Kill()
	}
	f.current = cmd
	f.mu.Unlock()

	err := cmd.Run()

	f.mu.Lock()
	if f.current == cmd {
		f.current = nil
	}
	f.mu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("system voice failed: %w", err)
	}
	return nil
}

func (f *execFallback) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil && f.current.Process != nil {
		_ = f.current.Process.Kill()
		f.current = nil
	}
}

func (f *execFallback) Voices(ctx context.Context) ([]string, error) {
	if len(f.voicesCmd) == 0 {
		return nil, nil
	}
	cmd := exec.CommandContext(ctx, f.voicesCmd[0], f.voicesCmd[1:]...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("list system voices: %w", err)
	}

	var voices []string
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			voices = append(voices, name)
		}
	}
	return voices, scanner.Err()
}
