// Package gui shows a guest serial console in a desktop window.
package gui

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	fyneterm "github.com/fyne-io/terminal"
)

// WindowConfig describes the console window.
type WindowConfig struct {
	Title  string
	Width  float32
	Height float32

	// OnClose runs once when the window closes, the guest output ends or
	// the process is interrupted.
	OnClose func()
}

func (c WindowConfig) size() fyne.Size {
	w, h := c.Width, c.Height
	if w <= 0 || h <= 0 {
		w, h = 800, 600
	}
	return fyne.NewSize(w, h)
}

// nopWriteCloser wraps an io.Writer with a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// RunConsole opens a terminal emulator window connected to the guest console
// and blocks until it closes. It must run on the main goroutine.
func RunConsole(cfg WindowConfig, guestIn io.Writer, guestOut io.Reader) {
	a := app.New()
	w := a.NewWindow(cfg.Title)
	w.SetPadded(false)
	w.Resize(cfg.size())

	closed := make(chan struct{})
	closeOnce := func() {
		select {
		case <-closed:
			return
		default:
			close(closed)
		}
		if cfg.OnClose != nil {
			cfg.OnClose()
		}
		a.Quit()
	}

	t := fyneterm.New()
	w.SetContent(t)
	w.SetCloseIntercept(func() { fyne.Do(closeOnce) })

	// First SIGINT/SIGTERM closes the window, a second one exits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fyne.Do(closeOnce)
		<-sigCh
		os.Exit(1)
	}()

	go func() {
		_ = t.RunWithConnection(nopWriteCloser{guestIn}, guestOut)
		fyne.Do(closeOnce)
	}()

	w.Show()
	w.Canvas().Focus(t)
	a.Run()
}
