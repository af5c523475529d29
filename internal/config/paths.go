package config

import (
	"os"
	"path/filepath"
	"strings"
)

const appDirName = ".atlas"

const configDirEnv = "ATLAS_CONFIG_DIR"

// DataDir returns the base data directory, honoring the ATLAS_CONFIG_DIR
// override so tests and dev setups stay out of the real home directory.
func DataDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(configDirEnv)); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appDirName), nil
}

// ConfigPath returns the path to the TOML configuration file.
func ConfigPath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "config.toml"), nil
}

// StatePath returns the default path of the durable client state database.
func StatePath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "state.db"), nil
}

// LogPath returns the path of the client log file.
func LogPath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "atlas.log"), nil
}
