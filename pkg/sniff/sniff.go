// Package sniff identifies video containers by their leading bytes, so the
// pipeline never trusts a filename extension or a remote Content-Type.
package sniff

import (
	"bytes"
	"errors"
	"io"
)

type Kind string

const (
	KindMP4     Kind = "mp4"
	KindWebM    Kind = "webm"
	KindAVI     Kind = "avi"
	KindUnknown Kind = ""
)

// HeaderSize is how many leading bytes Detect needs to make a decision.
const HeaderSize = 512

var (
	webmMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}
	riffMagic = []byte("RIFF")
	aviMagic  = []byte("AVI ")
	ftypMagic = []byte("ftyp")
)

// Detect inspects up to HeaderSize leading bytes of a payload.
func Detect(header []byte) Kind {
	if len(header) >= 8 && bytes.Equal(header[4:8], ftypMagic) {
		return KindMP4
	}
	if bytes.HasPrefix(header, webmMagic) {
		return KindWebM
	}
	if len(header) >= 12 && bytes.HasPrefix(header, riffMagic) && bytes.Equal(header[8:12], aviMagic) {
		return KindAVI
	}
	return KindUnknown
}

// IsVideo reports whether the payload starts like a known video container.
func IsVideo(header []byte) bool {
	return Detect(header) != KindUnknown
}

// LooksHTML reports whether the payload is an HTML document. Restricted
// sharing links commonly return a login or error page with status 200; this
// is how we catch them before they reach the expensive processing step.
func LooksHTML(header []byte) bool {
	trimmed := bytes.TrimLeft(header, " \t\r\n\xef\xbb\xbf")
	lower := bytes.ToLower(trimmed)
	if bytes.HasPrefix(lower, []byte("<!doctype html")) || bytes.HasPrefix(lower, []byte("<html")) {
		return true
	}
	return bytes.Contains(bytes.ToLower(header), []byte("<html"))
}

// Reader reads the sniffing header from r and returns it along with a reader
// replaying the full stream, so callers can sniff without losing bytes.
func Reader(r io.Reader) ([]byte, io.Reader, error) {
	header := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}
	header = header[:n]
	return header, io.MultiReader(bytes.NewReader(header), r), nil
}
