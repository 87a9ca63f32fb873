package vm

import (
	"errors"
	"os"
	"testing"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateNew, "new"},
		{StateReady, "ready"},
		{StateRunning, "running"},
		{StatePaused, "paused"},
		{StateStopping, "stopping"},
		{StateStopped, "stopped"},
		{StateError, "error"},
		{State(99), "unknown"},
		{State(-1), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestStateFileLoadMissing(t *testing.T) {
	rec, err := NewStateFile(t.TempDir()).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec.BootCount != 0 || !rec.LastBoot.IsZero() || rec.CleanShutdown {
		t.Errorf("new record should be zero, got %+v", rec)
	}
}

func TestStateFileBootAndShutdown(t *testing.T) {
	sf := NewStateFile(t.TempDir())

	if err := sf.RecordBoot("m1"); err != nil {
		t.Fatalf("RecordBoot failed: %v", err)
	}
	rec, _ := sf.Load()
	if rec.BootCount != 1 || rec.MachineID != "m1" || rec.LastBoot.IsZero() {
		t.Errorf("after boot: %+v", rec)
	}
	if rec.CleanShutdown {
		t.Error("CleanShutdown should be false while running")
	}

	if err := sf.RecordShutdown(nil); err != nil {
		t.Fatalf("RecordShutdown failed: %v", err)
	}
	rec, _ = sf.Load()
	if !rec.CleanShutdown || rec.LastShutdown.IsZero() || rec.LastError != "" {
		t.Errorf("after clean shutdown: %+v", rec)
	}

	if err := sf.RecordBoot("m2"); err != nil {
		t.Fatal(err)
	}
	if err := sf.RecordShutdown(ErrGuestError); err != nil {
		t.Fatal(err)
	}
	rec, _ = sf.Load()
	if rec.BootCount != 2 || rec.MachineID != "m2" {
		t.Errorf("after second boot: %+v", rec)
	}
	if rec.CleanShutdown || rec.LastError != ErrGuestError.Error() {
		t.Errorf("after failed shutdown: %+v", rec)
	}
}

func TestStateFileRecordFailure(t *testing.T) {
	sf := NewStateFile(t.TempDir())
	if err := sf.RecordFailure(errors.New("no kernel")); err != nil {
		t.Fatal(err)
	}
	rec, _ := sf.Load()
	if rec.BootCount != 0 || rec.LastError != "no kernel" {
		t.Errorf("after failure: %+v", rec)
	}

	// A successful boot clears the error.
	if err := sf.RecordBoot("m"); err != nil {
		t.Fatal(err)
	}
	rec, _ = sf.Load()
	if rec.LastError != "" {
		t.Errorf("LastError = %q after boot", rec.LastError)
	}
}

func TestStateFileCorrupt(t *testing.T) {
	sf := NewStateFile(t.TempDir())
	if err := os.WriteFile(sf.Path(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := sf.Load(); err == nil {
		t.Error("Load should fail on a corrupt file")
	}
	if err := sf.RecordBoot("m"); err == nil {
		t.Error("RecordBoot should not overwrite a corrupt file")
	}
}
