package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const defaultBackendAddress = "127.0.0.1:8620"

const (
	defaultActiveRetryInterval    = 750 * time.Millisecond
	defaultBootstrapRetryInterval = 5 * time.Second
)

type Config struct {
	Backend  BackendConfig  `toml:"backend"`
	Logging  LoggingConfig  `toml:"logging"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Storage  StorageConfig  `toml:"storage"`
}

type BackendConfig struct {
	Address  string `toml:"address"`
	ClientID string `toml:"client_id"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

type DispatchConfig struct {
	ActiveRetryMS    int `toml:"active_retry_ms"`
	BootstrapRetryMS int `toml:"bootstrap_retry_ms"`
}

type StorageConfig struct {
	Path string `toml:"path"`
}

func Default() Config {
	return Config{
		Backend: BackendConfig{
			Address: defaultBackendAddress,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Dispatch: DispatchConfig{
			ActiveRetryMS:    int(defaultActiveRetryInterval / time.Millisecond),
			BootstrapRetryMS: int(defaultBootstrapRetryInterval / time.Millisecond),
		},
	}
}

func Load() (Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return Config{}, err
	}
	return loadFromPath(path)
}

func loadFromPath(path string) (Config, error) {
	cfg := Default()
	if err := readTOML(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readTOML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return toml.Unmarshal(data, out)
}

func (c Config) BackendAddress() string {
	addr := strings.TrimSpace(c.Backend.Address)
	if addr == "" {
		return defaultBackendAddress
	}
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	addr = strings.TrimRight(addr, "/")
	if addr == "" {
		return defaultBackendAddress
	}
	return addr
}

func (c Config) BackendBaseURL() string {
	return "http://" + c.BackendAddress()
}

func (c Config) LogLevel() string {
	level := strings.TrimSpace(c.Logging.Level)
	if level == "" {
		return "info"
	}
	return level
}

func (c Config) ActiveRetryInterval() time.Duration {
	if c.Dispatch.ActiveRetryMS <= 0 {
		return defaultActiveRetryInterval
	}
	return time.Duration(c.Dispatch.ActiveRetryMS) * time.Millisecond
}

func (c Config) BootstrapRetryInterval() time.Duration {
	if c.Dispatch.BootstrapRetryMS <= 0 {
		return defaultBootstrapRetryInterval
	}
	return time.Duration(c.Dispatch.BootstrapRetryMS) * time.Millisecond
}

// StoragePath resolves the bbolt database location, defaulting under the
// config dir when unset.
func (c Config) StoragePath() (string, error) {
	path := strings.TrimSpace(c.Storage.Path)
	if path != "" {
		return path, nil
	}
	return StatePath()
}
