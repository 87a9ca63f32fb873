package vm

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/javanstorm/vzkit/internal/bundle"
)

// SnapshotFile is one file captured by a snapshot.
type SnapshotFile struct {
	Target   string `json:"target"`   // path the file restores to
	Stored   string `json:"stored"`   // compressed copy inside the snapshot dir
	Size     int64  `json:"size"`     // uncompressed size in bytes
	Checksum string `json:"checksum"` // SHA256 of the compressed copy
}

// SnapshotEntry represents a single bundle snapshot.
type SnapshotEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	CreatedAt   time.Time      `json:"created_at"`
	Files       []SnapshotFile `json:"files"`
}

// DiskSize is the total uncompressed size of the captured files.
func (e SnapshotEntry) DiskSize() int64 {
	var n int64
	for _, f := range e.Files {
		n += f.Size
	}
	return n
}

// SnapshotData holds all snapshots for a bundle.
type SnapshotData struct {
	Snapshots []SnapshotEntry `json:"snapshots"`
}

// SnapshotManager captures and restores the writable state of a bundle:
// every disk that is not read-only and, for macOS guests, the auxiliary
// storage. The machine must be stopped.
type SnapshotManager struct {
	b *bundle.Bundle
}

// NewSnapshotManager creates a snapshot manager for b.
func NewSnapshotManager(b *bundle.Bundle) *SnapshotManager {
	return &SnapshotManager{b: b}
}

func (m *SnapshotManager) dir() string {
	return m.b.Path("snapshots")
}

func (m *SnapshotManager) indexFile() string {
	return filepath.Join(m.dir(), "snapshots.json")
}

func (m *SnapshotManager) snapshotDir(name string) string {
	return filepath.Join(m.dir(), name)
}

// targets lists the files a snapshot captures.
func (m *SnapshotManager) targets() []string {
	var out []string
	for _, d := range m.b.Manifest.Disks {
		if !d.ReadOnly {
			out = append(out, m.b.Path(d.Path))
		}
	}
	if m.b.Manifest.Guest == bundle.GuestMacOS {
		out = append(out, m.b.Path(bundle.AuxiliaryStorageFile))
	}
	return out
}

// Load reads the snapshot index.
func (m *SnapshotManager) Load() (*SnapshotData, error) {
	data, err := os.ReadFile(m.indexFile())
	if errors.Is(err, fs.ErrNotExist) {
		return &SnapshotData{Snapshots: []SnapshotEntry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}

	var snapshots SnapshotData
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return nil, fmt.Errorf("parse snapshots: %w", err)
	}
	return &snapshots, nil
}

// Save writes the snapshot index atomically.
func (m *SnapshotManager) Save(data *SnapshotData) error {
	if err := os.MkdirAll(m.dir(), 0755); err != nil {
		return fmt.Errorf("create snapshots dir: %w", err)
	}
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshots: %w", err)
	}

	finalPath := m.indexFile()
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, jsonData, 0644); err != nil {
		return fmt.Errorf("write snapshots temp: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshots: %w", err)
	}
	return nil
}

// Create captures the bundle's writable files under name.
func (m *SnapshotManager) Create(name, description string) (*SnapshotEntry, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid snapshot name %q", name)
	}
	m.CleanupPartial()

	data, err := m.Load()
	if err != nil {
		return nil, err
	}
	if _, ok := find(data, name); ok {
		return nil, fmt.Errorf("snapshot '%s' already exists", name)
	}

	targets := m.targets()
	if len(targets) == 0 {
		return nil, errors.New("bundle has no writable disks to snapshot")
	}

	dir := m.snapshotDir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	entry := SnapshotEntry{Name: name, Description: description, CreatedAt: time.Now()}
	for i, target := range targets {
		stored := fmt.Sprintf("%02d-%s.gz", i, filepath.Base(target))
		f, err := compressFile(target, filepath.Join(dir, stored))
		if err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
		f.Target = target
		f.Stored = stored
		entry.Files = append(entry.Files, f)
	}

	data.Snapshots = append(data.Snapshots, entry)
	if err := m.Save(data); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &entry, nil
}

// compressFile gzips src into dst through a temp file.
func compressFile(src, dst string) (SnapshotFile, error) {
	var out SnapshotFile
	in, err := os.Open(src)
	if err != nil {
		return out, fmt.Errorf("open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()

	tmpPath := dst + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return out, fmt.Errorf("create snapshot file: %w", err)
	}
	defer f.Close()

	sum := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(f, sum))
	n, err := io.Copy(gz, in)
	if err == nil {
		err = gz.Close()
	}
	if err == nil {
		err = f.Close()
	}
	if err != nil {
		os.Remove(tmpPath)
		return out, fmt.Errorf("compress %s: %w", filepath.Base(src), err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return out, fmt.Errorf("finalize snapshot: %w", err)
	}

	out.Size = n
	out.Checksum = fmt.Sprintf("%x", sum.Sum(nil))
	return out, nil
}

func find(data *SnapshotData, name string) (SnapshotEntry, bool) {
	for _, snap := range data.Snapshots {
		if snap.Name == name {
			return snap, true
		}
	}
	return SnapshotEntry{}, false
}

// List returns all snapshots.
func (m *SnapshotManager) List() ([]SnapshotEntry, error) {
	data, err := m.Load()
	if err != nil {
		return nil, err
	}
	return data.Snapshots, nil
}

// Get returns a specific snapshot.
func (m *SnapshotManager) Get(name string) (*SnapshotEntry, error) {
	data, err := m.Load()
	if err != nil {
		return nil, err
	}
	snap, ok := find(data, name)
	if !ok {
		return nil, fmt.Errorf("snapshot '%s' not found", name)
	}
	return &snap, nil
}

// Verify checks every compressed file against its recorded checksum.
func (m *SnapshotManager) Verify(name string) error {
	snap, err := m.Get(name)
	if err != nil {
		return err
	}
	for _, f := range snap.Files {
		got, err := checksum(filepath.Join(m.snapshotDir(name), f.Stored))
		if err != nil {
			return fmt.Errorf("compute checksum: %w", err)
		}
		if got != f.Checksum {
			return fmt.Errorf("%s: checksum mismatch: expected %s, got %s", f.Stored, f.Checksum, got)
		}
	}
	return nil
}

// Restore overwrites the bundle's files with the snapshot. Every file is
// verified and decompressed before any target is replaced.
func (m *SnapshotManager) Restore(name string) error {
	m.CleanupPartial()
	if err := m.Verify(name); err != nil {
		return err
	}
	snap, err := m.Get(name)
	if err != nil {
		return err
	}

	var staged []string
	defer func() {
		for _, p := range staged {
			os.Remove(p)
		}
	}()
	for _, f := range snap.Files {
		tmp := f.Target + ".restoring"
		if err := decompressFile(filepath.Join(m.snapshotDir(name), f.Stored), tmp); err != nil {
			return err
		}
		staged = append(staged, tmp)
	}
	for i, f := range snap.Files {
		if err := os.Rename(staged[i], f.Target); err != nil {
			return fmt.Errorf("replace %s: %w", filepath.Base(f.Target), err)
		}
	}
	staged = nil
	return nil
}

func decompressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer in.Close()
	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create temp disk: %w", err)
	}
	if _, err := io.Copy(out, gz); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("decompress snapshot: %w", err)
	}
	return out.Close()
}

// Delete removes a snapshot.
func (m *SnapshotManager) Delete(name string) error {
	data, err := m.Load()
	if err != nil {
		return err
	}
	i := slices.IndexFunc(data.Snapshots, func(s SnapshotEntry) bool { return s.Name == name })
	if i < 0 {
		return fmt.Errorf("snapshot '%s' not found", name)
	}
	if err := os.RemoveAll(m.snapshotDir(name)); err != nil {
		return fmt.Errorf("delete snapshot files: %w", err)
	}
	data.Snapshots = slices.Delete(data.Snapshots, i, i+1)
	return m.Save(data)
}

func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// CleanupPartial removes files left by interrupted creates and restores.
func (m *SnapshotManager) CleanupPartial() {
	for _, p := range m.partialFiles() {
		os.Remove(p)
	}
}

// HasPartialFiles reports leftovers from interrupted operations.
func (m *SnapshotManager) HasPartialFiles() bool {
	return len(m.partialFiles()) > 0
}

func (m *SnapshotManager) partialFiles() []string {
	tmp, _ := filepath.Glob(filepath.Join(m.dir(), "*", "*.tmp"))
	for _, target := range m.targets() {
		if _, err := os.Stat(target + ".restoring"); err == nil {
			tmp = append(tmp, target+".restoring")
		}
	}
	if _, err := os.Stat(m.indexFile() + ".tmp"); err == nil {
		tmp = append(tmp, m.indexFile()+".tmp")
	}
	return tmp
}
