//go:build !windows

package server

import (
	"bytes"
	"io"
	"testing"
)

func TestASCIIReaderExpandsLFToCRLF(t *testing.T) {
	r := newASCIIReader(bytes.NewReader([]byte("one\ntwo\r\nthree\n")))
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if got, want := string(out), "one\r\ntwo\r\nthree\r\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestASCIIWriterCollapsesCRLFToLF(t *testing.T) {
	if !collapseCRLFOnUpload {
		t.Skip("this platform writes ASCII uploads verbatim")
	}
	w := newASCIIWriter(bytes.NewReader([]byte("one\r\ntwo\nthree\r\n")))
	out, err := io.ReadAll(w)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if got, want := string(out), "one\ntwo\nthree\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
