package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths contains the resolved filesystem locations used by the agent
type Paths struct {
	BaseDir     string
	DataDir     string
	LogsDir     string
	ExportsDir  string
	DBFile      string
	LogFile     string
	CheckoutDir string
}

// ExecutableDir returns the directory of the running binary with symlinks resolved
func ExecutableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable symlinks: %w", err)
	}
	return filepath.Dir(exe), nil
}

// ResolvePaths resolves the configured relative paths against baseDir.
// Absolute paths in the configuration are kept unchanged.
func (c *Config) ResolvePaths(baseDir string) *Paths {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}

	dbFile := abs(c.Licensing.DBPath)
	logFile := abs(c.Logging.FilePath)

	return &Paths{
		BaseDir:     baseDir,
		DataDir:     filepath.Dir(dbFile),
		LogsDir:     filepath.Dir(logFile),
		ExportsDir:  filepath.Join(filepath.Dir(dbFile), "exports"),
		DBFile:      dbFile,
		LogFile:     logFile,
		CheckoutDir: abs(c.Licensing.CheckoutDir),
	}
}

// EnsureDirectories creates all required directories if they don't exist
func (p *Paths) EnsureDirectories() error {
	directories := []string{p.DataDir, p.LogsDir, p.ExportsDir}
	if p.CheckoutDir != "" {
		directories = append(directories, p.CheckoutDir)
	}

	for _, dir := range directories {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		slog.Debug("Ensured directory exists", slog.String("directory", dir))
	}

	return nil
}

// ExportPath returns the path for an export file
func (p *Paths) ExportPath(filename string) string {
	return filepath.Join(p.ExportsDir, filename)
}

// LogPathResolution logs the resolved paths for debugging
func (p *Paths) LogPathResolution(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Path resolution summary",
		slog.Group("directories",
			slog.String("base", p.BaseDir),
			slog.String("data", p.DataDir),
			slog.String("logs", p.LogsDir),
			slog.String("exports", p.ExportsDir),
			slog.String("checkouts", p.CheckoutDir),
		),
		slog.Group("files",
			slog.String("db", p.DBFile),
			slog.String("log", p.LogFile),
		))
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
