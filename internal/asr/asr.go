// Package asr transcribes audio files through a whisper-family CLI.
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/untoldecay/midas/internal/config"
	"github.com/untoldecay/midas/internal/types"
)

// Transcript is the output of one transcription run.
type Transcript struct {
	Text             string `json:"text"`
	LanguageDetected string `json:"language_detected"`
	CharCount        int    `json:"char_count"`
}

// Engine runs speech recognition. Implementations resolve their backing
// tool lazily so a missing binary only fails requests that need it.
type Engine interface {
	Transcribe(ctx context.Context, audioPath string) (*Transcript, error)
}

// NewFromConfig builds the engine named by asr.mode.
func NewFromConfig(cfg config.ASRSettings) (Engine, error) {
	switch cfg.Mode {
	case "whisper_cli":
		return &whisperCLI{cfg: cfg}, nil
	case "disabled":
		return disabledEngine{}, nil
	default:
		return nil, types.E(types.KindInvalidInput, "unknown asr.mode %q", cfg.Mode)
	}
}

type disabledEngine struct{}

func (disabledEngine) Transcribe(context.Context, string) (*Transcript, error) {
	return nil, types.E(types.KindDependencyMissing, "speech recognition is disabled (asr.mode: disabled)")
}

// whisperCLI shells out to a whisper-compatible binary that writes a JSON
// result file next to the input.
type whisperCLI struct {
	cfg config.ASRSettings

	resolveOnce sync.Once
	binPath     string
	resolveErr  error
}

func (w *whisperCLI) resolve() (string, error) {
	w.resolveOnce.Do(func() {
		bin := w.cfg.Binary
		if bin == "" {
			bin = "whisper"
		}
		w.binPath, w.resolveErr = exec.LookPath(bin)
	})
	if w.resolveErr != nil {
		return "", types.E(types.KindDependencyMissing,
			"speech recognition binary not found on PATH (asr.binary: %q)", w.cfg.Binary)
	}
	return w.binPath, nil
}

func (w *whisperCLI) Transcribe(ctx context.Context, audioPath string) (*Transcript, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return nil, types.E(types.KindInvalidInput, "audio file not readable: %s", audioPath)
	}
	bin, err := w.resolve()
	if err != nil {
		return nil, err
	}

	outDir := filepath.Dir(audioPath)
	args := []string{
		audioPath,
		"--model", w.cfg.ModelSize,
		"--output_format", "json",
		"--output_dir", outDir,
	}
	if w.cfg.Device != "" {
		args = append(args, "--device", w.cfg.Device)
	}
	if w.cfg.Language != "" && w.cfg.Language != "auto" {
		args = append(args, "--language", w.cfg.Language)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, types.Wrap(types.KindUpstreamError, ctx.Err(), "transcription aborted")
		}
		return nil, types.E(types.KindUpstreamError, "transcription failed: %s",
			strings.TrimSpace(lastLine(stderr.String())))
	}

	jsonPath := strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + ".json"
	defer func() { _ = os.Remove(jsonPath) }()
	return readResult(jsonPath)
}

// readResult parses the whisper JSON output file.
func readResult(path string) (*Transcript, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, types.E(types.KindUpstreamError, "transcription produced no result file: %s", path)
	}
	var out struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, types.Wrap(types.KindUpstreamError, fmt.Errorf("decoding %s: %w", path, err),
			"unreadable transcription result")
	}
	text := strings.TrimSpace(out.Text)
	return &Transcript{
		Text:             text,
		LanguageDetected: out.Language,
		CharCount:        utf8.RuneCountInString(text),
	}, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
