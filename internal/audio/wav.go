package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidWAV is returned for data that is not 16-bit PCM WAV.
var ErrInvalidWAV = errors.New("invalid WAV data")

// Format describes PCM audio.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Duration returns how long n bytes of PCM in this format play.
func (f Format) Duration(n int) time.Duration {
	frame := f.Channels * f.BitsPerSample / 8
	if frame == 0 || f.SampleRate == 0 {
		return 0
	}
	return time.Duration(n/frame) * time.Second / time.Duration(f.SampleRate)
}

// DecodeWAV splits a RIFF WAV file into its format and PCM payload. The
// payload aliases data.
func DecodeWAV(data []byte) (Format, []byte, error) {
	var f Format
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return f, nil, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var pcm []byte
	haveFmt := false
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(data) || end < body {
			// Streamed files leave the size unset; take what is there
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return f, nil, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			chunk := data[body:end]
			if tag := binary.LittleEndian.Uint16(chunk[0:2]); tag != 1 && tag != 0xFFFE {
				return f, nil, fmt.Errorf("%w: unsupported encoding %d", ErrInvalidWAV, tag)
			}
			f.Channels = int(binary.LittleEndian.Uint16(chunk[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			f.BitsPerSample = int(binary.LittleEndian.Uint16(chunk[14:16]))
			haveFmt = true
		case "data":
			pcm = data[body:end]
		}

		off = end + (size & 1)
	}

	if !haveFmt {
		return f, nil, fmt.Errorf("%w: no fmt chunk", ErrInvalidWAV)
	}
	if pcm == nil {
		return f, nil, fmt.Errorf("%w: no data chunk", ErrInvalidWAV)
	}
	if err := validateFormat(f); err != nil {
		return f, nil, err
	}
	return f, pcm, nil
}

func validateFormat(f Format) error {
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("%w: channels must be 1 (mono) or 2 (stereo), got %d", ErrInvalidWAV, f.Channels)
	}
	if f.BitsPerSample != 16 {
		return fmt.Errorf("%w: bit depth must be 16, got %d", ErrInvalidWAV, f.BitsPerSample)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidWAV, f.SampleRate)
	}
	return nil
}
