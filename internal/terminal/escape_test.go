package terminal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func readAll(t *testing.T, r *EscapeReader) string {
	t.Helper()
	var out []byte
	buf := make([]byte, 64)
	for i := 0; i < 100; i++ {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return string(out)
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	t.Fatal("reader never reached EOF")
	return ""
}

func isEscaped(r *EscapeReader) bool {
	select {
	case <-r.Escaped():
		return true
	default:
		return false
	}
}

func TestEscapeReader(t *testing.T) {
	esc := string([]byte{EscapeChar})
	tests := []struct {
		name    string
		input   string
		want    string
		escaped bool
	}{
		{"plain", "hello world", "hello world", false},
		{"single escape passes through", esc + "ab", esc + "ab", false},
		{"trailing single escape", "ab" + esc, "ab" + esc, false},
		{"double escape", esc + esc, "", true},
		{"escape after text", "ab" + esc + esc, "ab", true},
		{"text after escape is dropped", "ab" + esc + esc + "cd", "ab", true},
		{"separated escapes", esc + "x" + esc + "y", esc + "x" + esc + "y", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewEscapeReader(strings.NewReader(tt.input))
			if got := readAll(t, r); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if isEscaped(r) != tt.escaped {
				t.Errorf("escaped = %v, want %v", isEscaped(r), tt.escaped)
			}
		})
	}
}

func TestEscapeReaderSplitAcrossReads(t *testing.T) {
	pr, pw := io.Pipe()
	r := NewEscapeReader(pr)
	go func() {
		pw.Write([]byte{'a', EscapeChar})
		pw.Write([]byte{EscapeChar})
		pw.Close()
	}()
	if got := readAll(t, r); got != "a" {
		t.Errorf("got %q, want %q", got, "a")
	}
	if !isEscaped(r) {
		t.Error("sequence split over two reads should be detected")
	}
}

func TestEscapeReaderTimeoutResets(t *testing.T) {
	clock := time.Now()
	r := NewEscapeReader(strings.NewReader(string([]byte{EscapeChar, EscapeChar, 'x'})))
	r.now = func() time.Time {
		clock = clock.Add(EscapeTimeout + time.Second)
		return clock
	}

	want := string([]byte{EscapeChar, EscapeChar, 'x'})
	if got := readAll(t, r); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if isEscaped(r) {
		t.Error("escapes further apart than the timeout should not detach")
	}
}

func TestEscapeReaderSmallBuffer(t *testing.T) {
	// A held escape flushed with new input can exceed the caller's buffer.
	pr, pw := io.Pipe()
	r := NewEscapeReader(pr)
	go func() {
		pw.Write([]byte{EscapeChar})
		pw.Write([]byte{'x'})
		pw.Close()
	}()

	var got []byte
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if want := []byte{EscapeChar, 'x'}; !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEscapeReaderStaysAtEOF(t *testing.T) {
	r := NewEscapeReader(strings.NewReader(string([]byte{EscapeChar, EscapeChar})))
	buf := make([]byte, 8)
	for i := 0; i < 3; i++ {
		if n, err := r.Read(buf); n != 0 || err != io.EOF {
			t.Errorf("read %d: got %d, %v", i, n, err)
		}
	}
}

// chattyGuest prints a line every millisecond until closed.
type chattyGuest struct {
	stop chan struct{}
}

func (g chattyGuest) Read(p []byte) (int, error) {
	select {
	case <-g.stop:
		return 0, io.EOF
	case <-time.After(time.Millisecond):
		return copy(p, "guest output\r\n"), nil
	}
}

func TestAttachEscape(t *testing.T) {
	guest := chattyGuest{stop: make(chan struct{})}
	defer close(guest.stop)
	var out bytes.Buffer
	c := New(strings.NewReader("ls\n"+string([]byte{EscapeChar, EscapeChar})), &out)

	err := c.Attach(context.Background(), io.Discard, guest)
	if !errors.Is(err, ErrEscapeSequence) {
		t.Fatalf("Attach = %v, want ErrEscapeSequence", err)
	}
	got := out.String()
	if !strings.HasSuffix(got, "Detached.\r\n") {
		t.Errorf("output should end with the detach notice: %q", got)
	}

	// Guest output stops reaching the console once Attach has returned.
	time.Sleep(20 * time.Millisecond)
	if out.String() != got {
		t.Error("guest output written after detaching")
	}
}

func TestAttachGuestOutputEnds(t *testing.T) {
	stdin, stdinW := io.Pipe()
	defer stdinW.Close()
	var out bytes.Buffer
	c := New(stdin, &out)

	err := c.Attach(context.Background(), io.Discard, strings.NewReader("login: "))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !strings.HasSuffix(out.String(), "login: ") {
		t.Errorf("output = %q", out.String())
	}
}

func TestAttachContextCancel(t *testing.T) {
	stdin, stdinW := io.Pipe()
	defer stdinW.Close()
	guestOut, guestOutW := io.Pipe()
	defer guestOutW.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(stdin, io.Discard).Attach(ctx, io.Discard, guestOut)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Attach = %v, want context.Canceled", err)
	}
}
