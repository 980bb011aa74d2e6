package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the tally home directory.
	DefaultDirName = ".tally"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// EnvFileName holds API keys loaded before config resolution.
	EnvFileName = ".env"

	// PromptsDirName holds prompt override files.
	PromptsDirName = "prompts"
)

// Dir represents the tally home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.tally).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// EnvPath returns the path to the home .env file.
func (d *Dir) EnvPath() string {
	return filepath.Join(d.path, EnvFileName)
}

// PromptsDir returns the default prompt override directory.
func (d *Dir) PromptsDir() string {
	return filepath.Join(d.path, PromptsDirName)
}

// TracesDir returns the directory for JSONL span files.
func (d *Dir) TracesDir() string {
	return filepath.Join(d.path, "traces")
}

// LogPath returns the default rotating log file path.
func (d *Dir) LogPath() string {
	return filepath.Join(d.path, "logs", "tally.log")
}

// ExportsDir returns the directory for exported spreadsheets.
func (d *Dir) ExportsDir() string {
	return filepath.Join(d.path, "exports")
}

// ExportPath returns the default spreadsheet path for a form set.
func (d *Dir) ExportPath(formSetName string) string {
	return filepath.Join(d.ExportsDir(), fmt.Sprintf("%s.xlsx", formSetName))
}

// Resolve makes a relative path absolute under the home directory.
// Absolute paths are returned unchanged.
func (d *Dir) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.path, p)
}

// EnsureExists creates the home directory if it doesn't exist.
func (d *Dir) EnsureExists() error {
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return fmt.Errorf("failed to create home directory: %w", err)
	}
	return nil
}

// EnsureDir creates dir (typically one of the Dir paths) if missing.
func (d *Dir) EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
