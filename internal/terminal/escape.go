package terminal

import (
	"io"
	"sync"
	"time"
)

const (
	// EscapeChar is Ctrl+] (0x1D).
	EscapeChar = 0x1D

	// EscapeCount is the number of consecutive escape chars needed.
	EscapeCount = 2

	// EscapeTimeout is the maximum time between escape key presses.
	EscapeTimeout = 500 * time.Millisecond
)

// EscapeReader wraps an io.Reader and detects the detach sequence. Escape
// chars are held back until the next byte shows whether they start the
// sequence; a held char that times out is passed through.
type EscapeReader struct {
	r   io.Reader
	now func() time.Time

	escaped     chan struct{}
	escapedOnce sync.Once

	held       int
	lastEscape time.Time
	buf        []byte
	pending    []byte
}

// NewEscapeReader creates an EscapeReader wrapping r.
func NewEscapeReader(r io.Reader) *EscapeReader {
	return &EscapeReader{
		r:       r,
		now:     time.Now,
		escaped: make(chan struct{}),
	}
}

// Escaped is closed when the sequence is detected.
func (e *EscapeReader) Escaped() <-chan struct{} {
	return e.escaped
}

func (e *EscapeReader) isEscaped() bool {
	select {
	case <-e.escaped:
		return true
	default:
		return false
	}
}

// Read returns the input with the sequence removed. Once the sequence is
// seen every further read returns io.EOF.
func (e *EscapeReader) Read(p []byte) (int, error) {
	if len(e.pending) > 0 {
		n := copy(p, e.pending)
		e.pending = e.pending[n:]
		return n, nil
	}
	if e.isEscaped() {
		return 0, io.EOF
	}

	if cap(e.buf) < len(p) {
		e.buf = make([]byte, len(p))
	}
	n, err := e.r.Read(e.buf[:len(p)])
	out := e.filter(e.buf[:n])
	if err != nil && e.held > 0 {
		out = e.flush(out)
	}

	c := copy(p, out)
	e.pending = append(e.pending, out[c:]...)
	if e.isEscaped() {
		if c > 0 {
			return c, nil
		}
		return 0, io.EOF
	}
	if c == 0 && len(e.pending) == 0 {
		return 0, err
	}
	if len(e.pending) > 0 {
		return c, nil
	}
	return c, err
}

func (e *EscapeReader) filter(in []byte) []byte {
	out := make([]byte, 0, len(in)+e.held)
	for _, b := range in {
		if b != EscapeChar {
			out = append(e.flush(out), b)
			continue
		}
		now := e.now()
		if e.held > 0 && now.Sub(e.lastEscape) > EscapeTimeout {
			out = e.flush(out)
		}
		e.held++
		e.lastEscape = now
		if e.held >= EscapeCount {
			e.held = 0
			e.escapedOnce.Do(func() { close(e.escaped) })
			return out
		}
	}
	return out
}

// flush passes held escape chars through.
func (e *EscapeReader) flush(out []byte) []byte {
	for ; e.held > 0; e.held-- {
		out = append(out, EscapeChar)
	}
	return out
}
