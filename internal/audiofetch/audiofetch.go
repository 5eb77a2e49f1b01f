// Package audiofetch downloads a video's audio track to a scratch path via
// the external yt-dlp tool.
package audiofetch

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/untoldecay/midas/internal/types"
)

const defaultBinary = "yt-dlp"

// Result describes a downloaded audio artifact.
type Result struct {
	Path     string
	Title    string
	Duration time.Duration
}

// Fetcher invokes yt-dlp to extract an audio-only artifact.
type Fetcher struct {
	scratchDir string
	binary     string // override for tests; defaults to yt-dlp on PATH
}

// New creates a fetcher writing artifacts under scratchDir.
func New(scratchDir string) *Fetcher {
	return &Fetcher{scratchDir: scratchDir, binary: defaultBinary}
}

// WithBinary overrides the downloader binary. Used by tests.
func (f *Fetcher) WithBinary(path string) *Fetcher {
	out := *f
	out.binary = path
	return &out
}

// Fetch downloads the audio track of rawURL and returns its absolute path
// and observed duration. The caller owns the file and must Cleanup it on
// every exit path.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, types.E(types.KindInvalidInput, "not a fetchable URL: %q", rawURL)
	}

	bin, err := exec.LookPath(f.binary)
	if err != nil {
		return nil, types.E(types.KindDependencyMissing, "yt-dlp not found on PATH")
	}

	if err := os.MkdirAll(f.scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}

	template := filepath.Join(f.scratchDir, uuid.NewString()+".%(ext)s")
	cmd := exec.CommandContext(ctx, bin,
		"--no-playlist",
		"--extract-audio",
		"--audio-format", "m4a",
		"--output", template,
		"--no-simulate",
		"--print", "after_move:filepath",
		"--print", "duration",
		"--print", "title",
		rawURL,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, types.Wrap(types.KindUpstreamError, ctx.Err(), "audio download aborted")
		}
		return nil, types.E(types.KindUpstreamError, "yt-dlp failed: %s",
			strings.TrimSpace(firstLine(stderr.String())))
	}

	res, err := parseOutput(stdout.String())
	if err != nil {
		return nil, types.Wrap(types.KindUpstreamError, err, "unexpected yt-dlp output")
	}
	return res, nil
}

// Cleanup removes a downloaded artifact. Missing files are not an error; the
// pipeline calls this on every exit path.
func (f *Fetcher) Cleanup(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// parseOutput extracts the file path and duration from yt-dlp's --print
// lines. yt-dlp emits the duration at the video stage and the filepath after
// the move, so line order is not guaranteed across versions; classify by
// shape instead.
func parseOutput(out string) (*Result, error) {
	var res Result
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "NA" {
			continue
		}
		if secs, err := strconv.ParseFloat(line, 64); err == nil {
			res.Duration = time.Duration(secs * float64(time.Second))
			continue
		}
		if filepath.IsAbs(line) {
			res.Path = line
			continue
		}
		res.Title = line
	}
	if res.Path == "" {
		return nil, fmt.Errorf("no output file path in %q", strings.TrimSpace(out))
	}
	return &res, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
