// Package terminal attaches the host terminal to a guest serial console.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

// ErrEscapeSequence is returned when the user triggers the escape sequence.
var ErrEscapeSequence = errors.New("escape sequence detected")

// Console is the host side of an attachment.
type Console struct {
	in  io.Reader
	out io.Writer
	fd  int
	tty bool
}

// Current returns the process's console.
func Current() *Console {
	return New(os.Stdin, os.Stdout)
}

// New creates a console over in and out. Raw mode is used only when in is
// a terminal.
func New(in io.Reader, out io.Writer) *Console {
	c := &Console{in: in, out: out, fd: -1}
	if f, ok := in.(*os.File); ok {
		c.fd = int(f.Fd())
		c.tty = term.IsTerminal(c.fd)
	}
	return c
}

// IsTTY returns true if stdin is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// SetRaw puts the terminal into raw mode and returns restore function.
func (c *Console) SetRaw() (func(), error) {
	if !c.tty {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(c.fd)
	if err != nil {
		return nil, err
	}
	return func() {
		term.Restore(c.fd, oldState)
	}, nil
}

// gate forwards writes until it is shut.
type gate struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

func (g *gate) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, io.ErrClosedPipe
	}
	return g.w.Write(p)
}

// shut waits for a write in progress; every later write fails.
func (g *gate) shut() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Attach copies the console to guestIn and guestOut to the console. It
// returns when ctx is done, the escape sequence is typed (ErrEscapeSequence)
// or the guest output ends. Nothing is copied in either direction once it
// has returned.
func (c *Console) Attach(ctx context.Context, guestIn io.Writer, guestOut io.Reader) error {
	restore, err := c.SetRaw()
	if err != nil {
		return err
	}
	defer restore()

	fmt.Fprintf(c.out, "Escape sequence: Ctrl+] Ctrl+] (press twice quickly to detach)\r\n")

	in := &gate{w: guestIn}
	out := &gate{w: c.out}
	defer in.shut()
	defer out.shut()

	esc := NewEscapeReader(c.in)
	go io.Copy(in, esc)

	outDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, guestOut)
		outDone <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-esc.Escaped():
		out.shut()
		fmt.Fprintf(c.out, "\r\nDetached.\r\n")
		return ErrEscapeSequence
	case err := <-outDone:
		return err
	}
}
