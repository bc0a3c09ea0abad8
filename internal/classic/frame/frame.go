// Package frame implements the MySQL classic-protocol packet framing layer:
// a 3-byte little-endian length, a 1-byte sequence id, and a payload, with
// the "large packet" continuation rule for payloads of exactly 0xFFFFFF
// bytes. This is the codec the rest of the router's classic-protocol core
// reads and writes through; it knows nothing about message semantics.
package frame

import (
	"errors"
	"fmt"
	"io"
)

// MaxPayload is the largest payload a single frame can carry before the
// "large packet" continuation rule kicks in.
const MaxPayload = 0xFFFFFF

// ErrInvalidInput is returned when bytes are well-formed frames but
// semantically invalid for what the caller expected (matches spec §4.A's
// codec::invalid_input).
var ErrInvalidInput = errors.New("frame: invalid input")

// Reader pulls frames off an io.Reader, reassembling the "large packet"
// continuation rule transparently and tracking the leg's sequence id.
type Reader struct {
	r      io.Reader
	seq    byte
	hdrBuf [4]byte
}

// NewReader wraps r. The initial sequence id is 0; callers that expect a
// non-zero starting seq-id (e.g. client::Greeting at seq-id 1) must check
// Reader.LastSeq() themselves after the first read.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// LastSeq returns the sequence id of the most recently read frame.
func (fr *Reader) LastSeq() byte { return fr.seq }

// ResetSeq resets the sequence counter, as happens at the start of every
// new command round-trip.
func (fr *Reader) ResetSeq() { fr.seq = 0 }

// ReadFrame reads one on-the-wire frame and returns its seq-id and payload.
// It does not reassemble continuation frames; callers needing a full
// message use ReadMessage.
func (fr *Reader) ReadFrame() (seq byte, payload []byte, err error) {
	if _, err := io.ReadFull(fr.r, fr.hdrBuf[:]); err != nil {
		return 0, nil, err
	}
	length := int(fr.hdrBuf[0]) | int(fr.hdrBuf[1])<<8 | int(fr.hdrBuf[2])<<16
	seq = fr.hdrBuf[3]
	fr.seq = seq

	payload = make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return seq, nil, err
		}
	}
	return seq, payload, nil
}

// ReadMessage reads one logical message, transparently reassembling any
// 0xFFFFFF-sized continuation frames. The returned seq is that of the
// first frame.
func (fr *Reader) ReadMessage() (seq byte, payload []byte, err error) {
	seq, payload, err = fr.ReadFrame()
	if err != nil {
		return 0, nil, err
	}
	lastLen := len(payload)
	for lastLen == MaxPayload {
		_, more, err := fr.ReadFrame()
		if err != nil {
			return seq, nil, fmt.Errorf("frame: reading continuation: %w", err)
		}
		payload = append(payload, more...)
		lastLen = len(more)
	}
	return seq, payload, nil
}

// Writer assembles frames (splitting oversized payloads into continuation
// frames) and tracks the leg's outbound sequence id.
type Writer struct {
	w   io.Writer
	seq byte
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// LastSeq returns the sequence id most recently assigned.
func (fw *Writer) LastSeq() byte { return fw.seq }

// SetSeq forces the next frame to use seq as its sequence id.
func (fw *Writer) SetSeq(seq byte) { fw.seq = seq }

// ResetSeq resets the sequence counter to 0.
func (fw *Writer) ResetSeq() { fw.seq = 0 }

// NextSeq returns the sequence id that will be used for the next frame,
// without consuming it.
func (fw *Writer) NextSeq() byte { return fw.seq }

// WriteFrame writes a single raw frame using the next sequence id and
// advances the counter (wrapping modulo 256).
func (fw *Writer) WriteFrame(payload []byte) error {
	if err := fw.writeOne(payload, fw.seq); err != nil {
		return err
	}
	fw.seq++
	return nil
}

// WriteFrameSeq writes a single raw frame at an explicit sequence id,
// without touching the internal counter.
func (fw *Writer) WriteFrameSeq(payload []byte, seq byte) error {
	return fw.writeOne(payload, seq)
}

func (fw *Writer) writeOne(payload []byte, seq byte) error {
	var hdr [4]byte
	length := len(payload)
	hdr[0] = byte(length)
	hdr[1] = byte(length >> 8)
	hdr[2] = byte(length >> 16)
	hdr[3] = seq
	if _, err := fw.w.Write(hdr[:]); err != nil {
		return err
	}
	if length > 0 {
		if _, err := fw.w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// WriteMessage writes payload as one or more frames, splitting into
// MaxPayload-sized continuation frames as needed (and emitting a final
// zero-length frame when the payload is an exact multiple of MaxPayload,
// per the classic-protocol "large packet" rule). The leg's running
// sequence counter is used and advanced for every frame written.
func (fw *Writer) WriteMessage(payload []byte) error {
	for {
		chunk := payload
		if len(chunk) > MaxPayload {
			chunk = payload[:MaxPayload]
		}
		if err := fw.WriteFrame(chunk); err != nil {
			return err
		}
		payload = payload[len(chunk):]
		if len(chunk) < MaxPayload {
			return nil
		}
		if len(payload) == 0 {
			// Exact multiple: MySQL requires a trailing empty frame so the
			// reader knows the message ended exactly at a boundary.
			return fw.WriteFrame(nil)
		}
	}
}

// PutUint24LE encodes n into a 3-byte little-endian header length field.
// Exposed for callers building raw headers without going through Writer.
func PutUint24LE(b []byte, n int) {
	_ = b[2]
	b[0] = byte(n)
	b[1] = byte(n >> 8)
	b[2] = byte(n >> 16)
}

// Uint24LE decodes a 3-byte little-endian length field.
func Uint24LE(b []byte) int {
	_ = b[2]
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16
}
