package tts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Concatenator joins WAV segments into one file.
type Concatenator interface {
	Concat(ctx context.Context, segments []string, output string) error
}

// FFmpeg concatenates with the ffmpeg concat demuxer. Streams are copied,
// not re-encoded.
type FFmpeg struct {
	Binary  string // Defaults to "ffmpeg"
	TempDir string // Where the list file is written
}

// Concat writes a concat list next to the output and runs ffmpeg on it.
func (f FFmpeg) Concat(ctx context.Context, segments []string, output string) error {
	if len(segments) == 0 {
		return &SynthesisError{Kind: ErrConcatenationFailed, Op: "concat", Err: fmt.Errorf("no segments")}
	}

	binary := f.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	dir := f.TempDir
	if dir == "" {
		dir = filepath.Dir(output)
	}

	listPath := filepath.Join(dir, "filelist_"+shortID()+".txt")
	if err := os.WriteFile(listPath, []byte(concatList(segments)), 0o600); err != nil {
		return &SynthesisError{Kind: ErrConcatenationFailed, Op: "concat", Err: err}
	}
	defer os.Remove(listPath) //nolint:errcheck

	cmd := exec.CommandContext(ctx, binary,
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", output,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &SynthesisError{
			Kind: ErrConcatenationFailed,
			Op:   "concat",
			Body: tail(stderr.String(), excerptWidth),
			Err:  err,
		}
	}
	return nil
}

// concatList renders the demuxer input. Single quotes inside a path are
// closed, escaped and reopened.
func concatList(segments []string) string {
	var b strings.Builder
	for _, seg := range segments {
		abs, err := filepath.Abs(seg)
		if err != nil {
			abs = seg
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

func shortID() string {
	return uuid.NewString()[:8]
}

// excerptWidth bounds the engine output kept in a SynthesisError.
const excerptWidth = 200

// tail keeps the last n bytes of s, dropping any partial rune at the cut.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}
