package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths holds the file locations the validator uses. Relative paths in
// configuration are resolved against ExecutableDir, never the working
// directory.
type Paths struct {
	ExecutableDir string
	ConfigFile    string
	LicenseFile   string
	LogsDir       string
}

// GetPaths returns the default paths next to the running executable
func GetPaths() (*Paths, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable symlinks: %w", err)
	}

	return NewPaths(filepath.Dir(exe)), nil
}

// NewPaths returns the default layout rooted at dir
func NewPaths(dir string) *Paths {
	return &Paths{
		ExecutableDir: dir,
		ConfigFile:    filepath.Join(dir, ConfigFileName),
		LicenseFile:   filepath.Join(dir, LicenseFileName),
		LogsDir:       filepath.Join(dir, LogsDirName),
	}
}

// Resolve makes path absolute relative to the executable directory.
// Empty and absolute paths are returned unchanged.
func (p *Paths) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.ExecutableDir, path)
}

// EnsureDirectories creates the directories the validator writes to
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.LogsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", p.LogsDir, err)
	}
	return nil
}

// LogPathResolution logs the resolved layout at debug level
func (p *Paths) LogPathResolution(logger *slog.Logger) {
	logger.Debug("path resolution",
		slog.String("executable_dir", p.ExecutableDir),
		slog.Group("files",
			slog.String("config", p.ConfigFile),
			slog.String("license", p.LicenseFile),
		),
		slog.Bool("license_exists", FileExists(p.LicenseFile)),
	)
}

// FileExists reports whether path exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
