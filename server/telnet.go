package server

import (
	"bufio"
	"io"
	"sync/atomic"
)

const (
	// telnetIAC is Interpret As Command
	telnetIAC = 0xFF
	// telnetWILL negotiation command
	telnetWILL = 0xFB
	// telnetWONT negotiation command
	telnetWONT = 0xFC
	// telnetDO negotiation command
	telnetDO = 0xFD
	// telnetDONT negotiation command
	telnetDONT = 0xFE
)

// telnetReader sits under the command-line scanner on the control
// connection and strips Telnet IAC negotiation out of the byte stream, so
// a client or a middlebox that still speaks line-mode Telnet doesn't leak
// negotiation bytes into FTP verbs and arguments. It counts what it
// strips so a session can log how noisy its control connection was.
type telnetReader struct {
	reader   *bufio.Reader
	filtered int64
}

// newTelnetReader creates a new telnetReader.
func newTelnetReader(r io.Reader) *telnetReader {
	return &telnetReader{
		reader: bufio.NewReader(r),
	}
}

// FilteredCount returns the number of IAC command sequences stripped from
// the control stream so far.
func (t *telnetReader) FilteredCount() int64 {
	return atomic.LoadInt64(&t.filtered)
}

// Read reads bytes from the underlying reader, filtering out Telnet commands.
func (t *telnetReader) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	for n < len(p) {
		// If we have read some bytes and there are no more buffered, return what we have.
		// This prevents blocking when the upstream reader is waiting for network input
		// but we already have valid data to return.
		if n > 0 && t.reader.Buffered() == 0 {
			return n, nil
		}

		b, err := t.reader.ReadByte()
		if err != nil {
			// If we have read some bytes, return them with nil error.
			// The error will be returned on the next call.
			if n > 0 {
				return n, nil
			}
			return n, err
		}

		if b == telnetIAC {
			// Peek to see the next byte
			next, err := t.reader.ReadByte()
			if err != nil {
				return n, err
			}

			if next == telnetIAC {
				// Escaped 0xFF, keep it
				p[n] = telnetIAC
				n++
				continue
			}

			// Handle Telnet commands
			switch next {
			case telnetWILL, telnetWONT, telnetDO, telnetDONT:
				// These are 3-byte sequences (IAC CMD OPT), read the third byte
				_, err := t.reader.ReadByte()
				if err != nil {
					return n, err
				}
			default:
				// Other commands are 2 bytes (IAC CMD), we already read both.
				// We ignore them.
			}

			atomic.AddInt64(&t.filtered, 1)
			continue
		}

		// Regular byte
		p[n] = b
		n++
	}

	return n, nil
}
