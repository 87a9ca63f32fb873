package timing

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestTimerMark(t *testing.T) {
	timer := New()

	time.Sleep(10 * time.Millisecond)
	timer.Mark("configure")
	time.Sleep(15 * time.Millisecond)
	timer.Mark("start")

	phases := timer.Phases()
	if len(phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(phases))
	}
	if phases[0].Name != "configure" || phases[0].Duration < 10*time.Millisecond {
		t.Errorf("phase 0 = %+v", phases[0])
	}
	if phases[1].Name != "start" || phases[1].Duration < 15*time.Millisecond {
		t.Errorf("phase 1 = %+v", phases[1])
	}
	if timer.Total() < phases[0].Duration+phases[1].Duration {
		t.Errorf("total %v is less than the sum of phases", timer.Total())
	}
}

func TestPhasesIsACopy(t *testing.T) {
	timer := New()
	timer.Mark("a")
	phases := timer.Phases()
	phases[0].Name = "changed"
	if timer.Phases()[0].Name != "a" {
		t.Error("Phases should not expose internal state")
	}
}

func TestTimerReport(t *testing.T) {
	timer := New()
	timer.Mark("validate")

	var buf bytes.Buffer
	timer.Report(&buf)
	for _, want := range []string{"Timing", "validate:", "TOTAL:"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("report missing %q:\n%s", want, buf.String())
		}
	}
}

func TestTimerLog(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	timer := New()
	timer.Mark("create")
	timer.Log(logrus.NewEntry(l))

	out := buf.String()
	if !strings.Contains(out, "phase=create") {
		t.Errorf("log missing phase field:\n%s", out)
	}
	if !strings.Contains(out, "timing total") {
		t.Errorf("log missing total:\n%s", out)
	}
}

func TestEnabled(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"", false},
		{"0", false},
		{"1", true},
		{"yes", true},
	}
	for _, tt := range tests {
		t.Setenv(EnvVar, tt.value)
		if got := Enabled(); got != tt.want {
			t.Errorf("Enabled() with %q = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Microsecond, "500µs"},
		{50 * time.Millisecond, "50ms"},
		{1500 * time.Millisecond, "1.50s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %s, want %s", tt.d, got, tt.want)
		}
	}
}
