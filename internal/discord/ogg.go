package discord

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	oggHeaderSize = 27
	maxLacing     = 255
)

var (
	// ErrBadPage is returned for data that is not an Ogg page.
	ErrBadPage = errors.New("invalid ogg page")

	opusHead = []byte("OpusHead")
	opusTags = []byte("OpusTags")
)

// oggReader yields the Opus packets of an Ogg stream, skipping the
// OpusHead and OpusTags header packets.
type oggReader struct {
	r       *bufio.Reader
	partial []byte   // packet continued from the previous page
	ready   [][]byte // complete packets from the current page
	header  [oggHeaderSize]byte
}

func newOggReader(r io.Reader) *oggReader {
	return &oggReader{r: bufio.NewReaderSize(r, 16*1024)}
}

// Next returns the next audio packet, or io.EOF at the end of the stream.
func (o *oggReader) Next() ([]byte, error) {
	for {
		for len(o.ready) > 0 {
			pkt := o.ready[0]
			o.ready = o.ready[1:]
			if bytes.HasPrefix(pkt, opusHead) || bytes.HasPrefix(pkt, opusTags) {
				continue
			}
			return pkt, nil
		}
		if err := o.readPage(); err != nil {
			return nil, err
		}
	}
}

func (o *oggReader) readPage() error {
	if _, err := io.ReadFull(o.r, o.header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: truncated header", ErrBadPage)
		}
		return err
	}
	if string(o.header[0:4]) != "OggS" {
		return fmt.Errorf("%w: bad capture pattern", ErrBadPage)
	}
	if o.header[4] != 0 {
		return fmt.Errorf("%w: unsupported version %d", ErrBadPage, o.header[4])
	}

	lacing := make([]byte, o.header[26])
	if _, err := io.ReadFull(o.r, lacing); err != nil {
		return fmt.Errorf("%w: truncated segment table", ErrBadPage)
	}

	size := 0
	for _, l := range lacing {
		size += int(l)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(o.r, body); err != nil {
		return fmt.Errorf("%w: truncated body", ErrBadPage)
	}

	// A continuation with nothing pending means the stream started
	// mid-packet, so the leading fragment is dropped.
	continued := o.header[5]&0x01 != 0
	orphan := continued && o.partial == nil
	if !continued {
		o.partial = nil
	}

	off := 0
	for _, l := range lacing {
		o.partial = append(o.partial, body[off:off+int(l)]...)
		off += int(l)
		if l < maxLacing {
			if len(o.partial) > 0 && !orphan {
				o.ready = append(o.ready, o.partial)
			}
			o.partial = nil
			orphan = false
		}
	}
	if orphan {
		o.partial = nil
	}
	return nil
}
