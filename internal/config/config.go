// Package config loads the daemon's JSONC configuration file: the device
// image path, its sector count, the buffer cache size, and whether to
// format the image on startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// Config controls the daemon's filesystem instance.
type Config struct {
	// DevicePath is the backing image file holding the raw sector data.
	DevicePath string `json:"device_path"`
	// SectorCount is the device's fixed size in 512-byte sectors.
	SectorCount uint32 `json:"sector_count"`
	// CacheSlots overrides the buffer cache's slot count. Zero means use
	// the built-in default.
	CacheSlots int `json:"cache_slots,omitempty"`
	// FormatOnStart creates a fresh, empty filesystem on DevicePath instead
	// of opening an existing one. Destructive: any existing contents at
	// DevicePath are discarded.
	FormatOnStart bool `json:"format_on_start,omitempty"`
	// SocketPath is the Unix domain socket the daemon listens on.
	SocketPath string `json:"socket_path"`
}

// DefaultConfig returns the defaults Load starts from: fields absent from
// the config file keep these values. Load still fails if the file itself
// is missing.
func DefaultConfig() Config {
	return Config{
		DevicePath:  "sectorfs.img",
		SectorCount: 8192,
		SocketPath:  "/tmp/sectorfsd.sock",
	}
}

// Load reads and parses a JSONC config file at path. Comments and trailing
// commas are accepted, per hujson.Standardize.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: invalid JSONC in %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid JSON in %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.DevicePath == "" {
		return fmt.Errorf("device_path must not be empty")
	}
	if cfg.SectorCount == 0 {
		return fmt.Errorf("sector_count must be positive")
	}
	if cfg.SocketPath == "" {
		return fmt.Errorf("socket_path must not be empty")
	}
	if cfg.CacheSlots < 0 {
		return fmt.Errorf("cache_slots must not be negative")
	}
	return nil
}
