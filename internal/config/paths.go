package config

import (
	"os"
	"path/filepath"
)

// HomePath returns the root directory for genbatch data.
// It uses $GENBATCH_PATH if set, otherwise defaults to ~/.genbatch.
func HomePath() string {
	if v := os.Getenv("GENBATCH_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".genbatch")
	}
	return filepath.Join(home, ".genbatch")
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	return filepath.Join(HomePath(), "config.jsonc")
}

// DotenvPath returns the path to the .env file.
func DotenvPath() string {
	return filepath.Join(HomePath(), ".env")
}

// HandlesPath returns the path to the directory-handle database.
func HandlesPath() string {
	return filepath.Join(HomePath(), "handles.db")
}

// RunsPath returns the directory holding run records.
func RunsPath() string {
	return filepath.Join(HomePath(), "runs")
}

// HeartbeatPath returns the path of the run heartbeat file.
func HeartbeatPath() string {
	return filepath.Join(HomePath(), "heartbeat.json")
}
