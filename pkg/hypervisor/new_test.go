package hypervisor

import (
	"errors"
	"testing"
)

func TestParseHostVersion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"14.5", "14.5.0"},
		{"13", "13.0.0"},
		{"15.0.1\n", "15.0.1"},
		{"6.8.0-45-generic", "6.8.0"},
		{"", ""},
		{"darwin", ""},
		{"1.2.3.4", ""},
	}

	for _, tt := range tests {
		v := ParseHostVersion(tt.in)
		if tt.want == "" {
			if v != nil {
				t.Errorf("ParseHostVersion(%q) = %v, want nil", tt.in, v)
			}
			continue
		}
		if v == nil {
			t.Errorf("ParseHostVersion(%q) = nil, want %s", tt.in, tt.want)
			continue
		}
		if v.String() != tt.want {
			t.Errorf("ParseHostVersion(%q) = %s, want %s", tt.in, v, tt.want)
		}
	}
}

func TestStartOptionsPrivate(t *testing.T) {
	if (StartOptions{BootMacOSRecovery: true}).Private() {
		t.Error("recovery boot is public API")
	}
	for _, o := range []StartOptions{
		{PanicAction: true},
		{StopInIBootStage1: true},
		{StopInIBootStage2: true},
		{ForceDFU: true},
	} {
		if !o.Private() {
			t.Errorf("%+v should be private", o)
		}
	}
}

func TestNativeErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &NativeError{Op: "start", Description: "boom", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("NativeError should unwrap to its cause")
	}
	if err.Error() != "hypervisor: start: boom" {
		t.Errorf("unexpected message %q", err.Error())
	}

	coded := &NativeError{Op: "validate", Domain: "VZErrorDomain", Code: 2, Description: "bad"}
	if coded.Error() != "hypervisor: validate: bad (VZErrorDomain 2)" {
		t.Errorf("unexpected message %q", coded.Error())
	}
}

func TestWrongKind(t *testing.T) {
	err := WrongKind("op", KindUSBKeyboard, KindMacPlatform)
	if !errors.Is(err, ErrWrongKind) {
		t.Errorf("expected ErrWrongKind, got %v", err)
	}
}
