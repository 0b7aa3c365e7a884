package tts

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestConcatList(t *testing.T) {
	got := concatList([]string{"/tmp/a.wav", "/tmp/it's.wav"})
	want := "file '/tmp/a.wav'\nfile '/tmp/it'\\''s.wav'\n"
	if got != want {
		t.Errorf("concatList = %q, want %q", got, want)
	}
}

func TestTail(t *testing.T) {
	if got := tail("  short\n", 200); got != "short" {
		t.Errorf("tail = %q", got)
	}

	// Every rune is three bytes, so an 8 byte cut lands inside "い".
	got := tail("ffmpeg: 入力が壊れています", 8)
	if !utf8.ValidString(got) {
		t.Fatalf("tail split a rune: %q", got)
	}
	if got != "ます" {
		t.Errorf("tail = %q, want %q", got, "ます")
	}
}

func TestFFmpeg_NoSegments(t *testing.T) {
	err := FFmpeg{}.Concat(context.Background(), nil, filepath.Join(t.TempDir(), "out.wav"))
	if !errors.Is(err, ErrConcatenationFailed) {
		t.Errorf("Expected ErrConcatenationFailed, got %v", err)
	}
}

func TestFFmpeg_MissingBinary(t *testing.T) {
	dir := t.TempDir()
	seg := filepath.Join(dir, "a.wav")
	if err := os.WriteFile(seg, silentWAV(100), 0o644); err != nil {
		t.Fatal(err)
	}

	f := FFmpeg{Binary: "ffmpeg-does-not-exist", TempDir: dir}
	err := f.Concat(context.Background(), []string{seg}, filepath.Join(dir, "out.wav"))
	if !errors.Is(err, ErrConcatenationFailed) {
		t.Fatalf("Expected ErrConcatenationFailed, got %v", err)
	}

	// The list file is cleaned up
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "filelist_") {
			t.Errorf("List file %s left behind", e.Name())
		}
	}
}

func TestFFmpeg_Concat(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}

	dir := t.TempDir()
	var segs []string
	for _, name := range []string{"one.wav", "two.wav"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, silentWAV(2400), 0o644); err != nil {
			t.Fatal(err)
		}
		segs = append(segs, p)
	}

	out := filepath.Join(dir, "combined.wav")
	if err := (FFmpeg{TempDir: dir}).Concat(context.Background(), segs, out); err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("Output missing: %v", err)
	}
	if info.Size() <= int64(len(silentWAV(2400))) {
		t.Errorf("Output too small: %d bytes", info.Size())
	}
}

// silentWAV builds a mono 16-bit 24kHz WAV of n zero samples.
func silentWAV(n int) []byte {
	const rate = 24000
	dataLen := n * 2
	buf := make([]byte, 44+dataLen)
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+dataLen))
	copy(buf[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1)
	binary.LittleEndian.PutUint16(buf[22:], 1)
	binary.LittleEndian.PutUint32(buf[24:], rate)
	binary.LittleEndian.PutUint32(buf[28:], rate*2)
	binary.LittleEndian.PutUint16(buf[32:], 2)
	binary.LittleEndian.PutUint16(buf[34:], 16)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(dataLen))
	return buf
}
