package sniff

import (
	"bytes"
	"io"
	"testing"
)

func mp4Header() []byte {
	h := make([]byte, 16)
	copy(h[4:], "ftypisom")
	return h
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
		want   Kind
	}{
		{"mp4", mp4Header(), KindMP4},
		{"webm", append([]byte{0x1A, 0x45, 0xDF, 0xA3}, make([]byte, 12)...), KindWebM},
		{"avi", []byte("RIFF\x24\x00\x00\x00AVI LIST"), KindAVI},
		{"riff but not avi", []byte("RIFF\x24\x00\x00\x00WAVEfmt "), KindUnknown},
		{"html", []byte("<!DOCTYPE html><html>"), KindUnknown},
		{"empty", nil, KindUnknown},
		{"short", []byte{0x00, 0x01}, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.header); got != tt.want {
				t.Errorf("Detect() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLooksHTML(t *testing.T) {
	if !LooksHTML([]byte("  \n<!doctype HTML><head>")) {
		t.Error("expected doctype prefix to be detected")
	}
	if !LooksHTML([]byte("<HTML lang=\"en\">")) {
		t.Error("expected html tag prefix to be detected")
	}
	if !LooksHTML([]byte("junk before <html> tag")) {
		t.Error("expected embedded html tag to be detected")
	}
	if LooksHTML(mp4Header()) {
		t.Error("mp4 header misdetected as html")
	}
}

func TestReaderReplaysStream(t *testing.T) {
	payload := append(mp4Header(), bytes.Repeat([]byte("x"), 2048)...)

	header, replay, err := Reader(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Reader failed: %v", err)
	}
	if len(header) != HeaderSize {
		t.Fatalf("expected %d header bytes, got %d", HeaderSize, len(header))
	}
	if !IsVideo(header) {
		t.Fatal("header should identify as video")
	}

	rest, err := io.ReadAll(replay)
	if err != nil {
		t.Fatalf("reading replayed stream: %v", err)
	}
	if !bytes.Equal(rest, payload) {
		t.Error("replayed stream does not match original payload")
	}
}

func TestReaderShortStream(t *testing.T) {
	header, replay, err := Reader(bytes.NewReader([]byte("tiny")))
	if err != nil {
		t.Fatalf("Reader failed on short stream: %v", err)
	}
	if len(header) != 4 {
		t.Fatalf("expected 4 header bytes, got %d", len(header))
	}
	rest, _ := io.ReadAll(replay)
	if string(rest) != "tiny" {
		t.Errorf("replayed short stream = %q", rest)
	}
}
