package vm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/javanstorm/vzkit/internal/bundle"
)

// BootRecord is the per-bundle history kept in state.json.
type BootRecord struct {
	// LastBoot is when the machine last reached running.
	LastBoot time.Time `json:"last_boot,omitempty"`

	// LastShutdown is when the machine last stopped.
	LastShutdown time.Time `json:"last_shutdown,omitempty"`

	// BootCount is the number of successful starts.
	BootCount int `json:"boot_count"`

	// CleanShutdown is false while running and after a failure.
	CleanShutdown bool `json:"clean_shutdown"`

	// LastError is the last start or stop failure.
	LastError string `json:"last_error,omitempty"`

	// MachineID is the id of the last machine started from the bundle.
	MachineID string `json:"machine_id,omitempty"`
}

// StateFile manages state.json inside a bundle.
type StateFile struct {
	path string
}

// NewStateFile creates a state file manager for the bundle at dir.
func NewStateFile(dir string) *StateFile {
	return &StateFile{path: filepath.Join(dir, bundle.StateFile)}
}

// Load reads the record. A missing file gives an empty record.
func (s *StateFile) Load() (*BootRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &BootRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var rec BootRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &rec, nil
}

// Save writes the record atomically.
func (s *StateFile) Save(rec *BootRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *StateFile) update(fn func(*BootRecord)) error {
	rec, err := s.Load()
	if err != nil {
		return err
	}
	fn(rec)
	return s.Save(rec)
}

// RecordBoot notes a successful start of machine id.
func (s *StateFile) RecordBoot(id string) error {
	return s.update(func(r *BootRecord) {
		r.LastBoot = time.Now()
		r.BootCount++
		r.CleanShutdown = false
		r.LastError = ""
		r.MachineID = id
	})
}

// RecordShutdown notes the end of a run. A nil cause is a clean shutdown.
func (s *StateFile) RecordShutdown(cause error) error {
	return s.update(func(r *BootRecord) {
		r.LastShutdown = time.Now()
		r.CleanShutdown = cause == nil
		if cause != nil {
			r.LastError = cause.Error()
		}
	})
}

// RecordFailure notes a start that never reached running.
func (s *StateFile) RecordFailure(cause error) error {
	return s.update(func(r *BootRecord) {
		r.CleanShutdown = false
		r.LastError = cause.Error()
	})
}

// Path returns the state file path.
func (s *StateFile) Path() string {
	return s.path
}
