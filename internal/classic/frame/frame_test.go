package frame

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteFrame([]byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	r := NewReader(&buf)
	seq, payload, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if seq != 0 {
		t.Fatalf("seq = %d, want 0", seq)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q, want %q", payload, "hello")
	}
}

func TestSeqIDWraps(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.SetSeq(255)
	if err := w.WriteFrame([]byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFrame([]byte("b")); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf)
	seq1, _, _ := r.ReadFrame()
	seq2, _, _ := r.ReadFrame()
	if seq1 != 255 {
		t.Fatalf("seq1 = %d, want 255", seq1)
	}
	if seq2 != 0 {
		t.Fatalf("seq2 = %d, want 0 (wrapped)", seq2)
	}
}

func TestWriteMessageSplitsLargePackets(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	payload := bytes.Repeat([]byte{'x'}, MaxPayload+10)
	if err := w.WriteMessage(payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	r := NewReader(&buf)
	seq, got, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if seq != 0 {
		t.Fatalf("seq = %d, want 0", seq)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload length = %d, want %d", len(got), len(payload))
	}
}

func TestWriteMessageExactMultipleEmitsTrailingEmptyFrame(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	payload := bytes.Repeat([]byte{'y'}, MaxPayload)
	if err := w.WriteMessage(payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	r := NewReader(&buf)
	_, first, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame (first): %v", err)
	}
	if len(first) != MaxPayload {
		t.Fatalf("first frame len = %d, want %d", len(first), MaxPayload)
	}
	_, second, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame (trailing): %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("trailing frame len = %d, want 0", len(second))
	}
}

func TestUint24LERoundTrip(t *testing.T) {
	b := make([]byte, 3)
	PutUint24LE(b, 0x0102FF)
	if got := Uint24LE(b); got != 0x0102FF {
		t.Fatalf("Uint24LE = %#x, want %#x", got, 0x0102FF)
	}
}
