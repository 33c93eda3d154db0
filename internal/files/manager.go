package files

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// MaxLicenseSize caps how much of a license file is read
const MaxLicenseSize = 1 << 20

// ErrLicenseTooLarge is returned when a license file exceeds MaxLicenseSize
var ErrLicenseTooLarge = errors.New("license file too large")

// ReadLicense reads a license document from path
func ReadLicense(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open license file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxLicenseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read license file: %w", err)
	}
	if len(data) > MaxLicenseSize {
		return nil, ErrLicenseTooLarge
	}
	return data, nil
}

// Manager resolves relative paths against a base directory, by default the
// directory of the running executable
type Manager struct {
	baseDir string
}

// NewManager creates a manager rooted at baseDir. An empty baseDir uses the
// executable's directory, or the working directory if that is unknown.
func NewManager(baseDir string) *Manager {
	if baseDir == "" {
		if exe, err := os.Executable(); err == nil {
			baseDir = filepath.Dir(exe)
		} else {
			baseDir = "."
		}
	}
	return &Manager{baseDir: baseDir}
}

// Resolve returns path unchanged when absolute, else joined to the base directory
func (m *Manager) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(m.baseDir, path)
}

// Save writes data to path (resolved against the base directory)
func (m *Manager) Save(path string, data []byte) error {
	return SaveFile(m.Resolve(path), data)
}

// SaveFile writes data to path, creating parent directories as needed. The
// file is written to a temporary sibling and renamed into place.
func SaveFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	slog.Debug("file saved",
		slog.String("path", path),
		slog.Int("bytes", len(data)))
	return nil
}
