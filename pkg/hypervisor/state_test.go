package hypervisor

import "testing"

func TestStateFromNative(t *testing.T) {
	tests := []struct {
		native int
		want   State
		name   string
	}{
		{0, StateStopped, "stopped"},
		{1, StateRunning, "running"},
		{2, StatePaused, "paused"},
		{3, StateError, "error"},
		{4, StateStarting, "starting"},
		{5, StatePausing, "pausing"},
		{6, StateResuming, "resuming"},
		{7, StateStopping, "stopping"},
		{8, StateOther, "other"},
		{42, StateOther, "other"},
		{-3, StateOther, "other"},
	}

	for _, tt := range tests {
		got := StateFromNative(tt.native)
		if got != tt.want {
			t.Errorf("StateFromNative(%d) = %v, want %v", tt.native, got, tt.want)
		}
		if got.String() != tt.name {
			t.Errorf("StateFromNative(%d).String() = %q, want %q", tt.native, got.String(), tt.name)
		}
	}
}

func TestStateTransitional(t *testing.T) {
	for _, s := range []State{StateStarting, StatePausing, StateResuming, StateStopping} {
		if !s.Transitional() {
			t.Errorf("%v should be transitional", s)
		}
	}
	for _, s := range []State{StateStopped, StateRunning, StatePaused, StateError, StateOther} {
		if s.Transitional() {
			t.Errorf("%v should not be transitional", s)
		}
	}
}
