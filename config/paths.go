package config

import (
	"os"
	"path/filepath"
)

const stateDirEnvVar = "TTYD_MUX_STATE_DIR"

// StateDir returns the directory holding the daemon's persisted state
// document, the config file, and the control-socket identification
// path. Respects TTYD_MUX_STATE_DIR (§6).
func StateDir() (string, error) {
	if dir := os.Getenv(stateDirEnvVar); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "ttyd-mux"), nil
}

// DefaultPath returns the default config file path, inside StateDir.
func DefaultPath() string {
	dir, err := StateDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "config.yaml")
}

// StateFilePath returns the path to the persisted JSON state document
// (§4.A / §6).
func StateFilePath() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.json"), nil
}

// ControlSocketPath returns the path used purely for cross-process
// identification of "a daemon is running here" (§4.A); it is never
// used for transport by the core.
func ControlSocketPath() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.sock"), nil
}

// LogDir returns the directory for the daemon's rotating log file.
func LogDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}
