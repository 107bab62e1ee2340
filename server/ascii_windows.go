//go:build windows

package server

// collapseCRLFOnUpload controls whether asciiWriter collapses CRLF to LF
// for an ASCII-mode STOR/APPE. On Windows the on-disk line ending is
// already CRLF, so an ASCII upload is written verbatim instead of having
// its line endings rewritten.
const collapseCRLFOnUpload = false
