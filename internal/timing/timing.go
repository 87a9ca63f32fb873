// Package timing measures how long the phases of bringing up a machine take.
package timing

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EnvVar enables timing output when set to a non-empty value other than "0".
const EnvVar = "MACVM_TIMING"

// Enabled reports whether MACVM_TIMING asks for timing output.
func Enabled() bool {
	v := os.Getenv(EnvVar)
	return v != "" && v != "0"
}

// Timer tracks durations of named phases. It is safe for concurrent use.
type Timer struct {
	start time.Time

	mu     sync.Mutex
	last   time.Time
	phases []Phase
}

// Phase is one timed step.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a Timer starting now.
func New() *Timer {
	now := time.Now()
	return &Timer{start: now, last: now}
}

// Mark ends a phase now. Its duration runs from the previous mark.
func (t *Timer) Mark(name string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phases = append(t.phases, Phase{Name: name, Duration: now.Sub(t.last)})
	t.last = now
}

// Total is the time since New.
func (t *Timer) Total() time.Duration {
	return time.Since(t.start)
}

// Phases returns a copy of the recorded phases.
func (t *Timer) Phases() []Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Phase(nil), t.phases...)
}

// Log emits an info line per phase followed by the total.
func (t *Timer) Log(log *logrus.Entry) {
	for _, p := range t.Phases() {
		log.WithFields(logrus.Fields{
			"phase":    p.Name,
			"duration": formatDuration(p.Duration),
		}).Info("timing")
	}
	log.WithField("duration", formatDuration(t.Total())).Info("timing total")
}

// Report writes a table of the phases to w.
func (t *Timer) Report(w io.Writer) {
	fmt.Fprintln(w, "=== Timing ===")
	for _, p := range t.Phases() {
		fmt.Fprintf(w, "  %-12s %s\n", p.Name+":", formatDuration(p.Duration))
	}
	fmt.Fprintf(w, "  %-12s %s\n", "TOTAL:", formatDuration(t.Total()))
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
