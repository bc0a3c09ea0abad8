package hexdump

import "testing"

func TestDumpEmpty(t *testing.T) {
	if got := Dump(nil); got != "" {
		t.Fatalf("Dump(nil) = %q, want empty", got)
	}
}

func TestDumpPartialLine(t *testing.T) {
	want := "01 02 03 .. .. .. .. .. .. .. .. .. .. .. .. ..  ...\n"
	got := Dump([]byte{0x01, 0x02, 0x03})
	if got != want {
		t.Fatalf("Dump = %q, want %q", got, want)
	}
}

func TestDumpFullLine(t *testing.T) {
	want := "30 31 32 33 34 35 36 37 30 31 32 33 34 35 36 37  0123456701234567\n"
	got := Dump([]byte("0123456701234567"))
	if got != want {
		t.Fatalf("Dump = %q, want %q", got, want)
	}
}

func TestDumpMultiLine(t *testing.T) {
	data := append([]byte("0123456701234567"), 0x01, 0x02)
	got := Dump(data)
	lines := 0
	for _, r := range got {
		if r == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Fatalf("expected 2 lines, got %d (%q)", lines, got)
	}
}
