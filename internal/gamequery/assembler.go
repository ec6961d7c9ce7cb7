package gamequery

import "bytes"

// maxPending bounds a partially assembled response. A stream that never shows the
// sentinel is dropped instead of growing forever.
const maxPending = bufferSize

// Assembler reconstructs teamstatus responses from an unframed datagram stream.
// A response is complete once two consecutive linefeeds have been seen, possibly
// split across datagrams. Datagrams are assumed to arrive in send order.
type Assembler struct {
	pending []byte
}

// Feed adds a datagram to the stream. When the datagram completes a response, Feed
// returns the response payload (echo prefixes removed, cut at the sentinel) and true.
// Bytes after the sentinel are kept as the start of the next response.
func (a *Assembler) Feed(datagram []byte) ([]byte, bool) {
	payload := StripEcho(datagram)

	// Start one byte early so a sentinel split across datagrams is found.
	from := max(len(a.pending)-1, 0)
	a.pending = append(a.pending, payload...)

	idx := bytes.Index(a.pending[from:], sentinel)
	if idx < 0 {
		if len(a.pending) > maxPending {
			a.Reset()
		}

		return nil, false
	}

	idx += from

	blob := make([]byte, idx+1)
	copy(blob, a.pending[:idx+1])

	// Blank lines between responses would shift the header lines of the next one.
	rest := bytes.TrimLeft(a.pending[idx+len(sentinel):], "\r\n")
	n := copy(a.pending, rest)
	a.pending = a.pending[:n]

	return blob, true
}

// InProgress reports whether part of a response has been buffered.
func (a *Assembler) InProgress() bool {
	return len(a.pending) > 0
}

// Reset drops any partially assembled response.
func (a *Assembler) Reset() {
	a.pending = a.pending[:0]
}
