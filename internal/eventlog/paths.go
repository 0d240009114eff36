package eventlog

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultDir returns the platform-appropriate directory for per-run log
// databases: the OS user-local data directory under a tickmesh subfolder,
// falling back to the working directory when no home is resolvable.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "tickmesh", "logs")
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "tickmesh", "logs")
		}
		return filepath.Join(home, "AppData", "Local", "tickmesh", "logs")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "tickmesh", "logs")
		}
		return filepath.Join(home, ".local", "share", "tickmesh", "logs")
	}
}

// ParseRunID extracts the run id from a log database filename of the form
// "{run_id}_{local_id}.db". The layout is load-bearing: tooling matches
// runs to files by substring on the run id, so it must stay stable.
func ParseRunID(filename string) (string, bool) {
	base := strings.TrimSuffix(filepath.Base(filename), ".db")
	i := strings.LastIndex(base, "_")
	if i <= 0 {
		return "", false
	}
	return base[:i], true
}

// RunFiles lists every log database in dir whose filename contains runID.
func RunFiles(dir, runID string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".db") && strings.Contains(name, runID) {
			out = append(out, filepath.Join(dir, name))
		}
	}
	return out, nil
}

// DeleteRun removes every log database in dir belonging to runID.
func DeleteRun(dir, runID string) error {
	files, err := RunFiles(dir, runID)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil {
			return err
		}
	}
	return nil
}
