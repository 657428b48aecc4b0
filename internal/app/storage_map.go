package app

import (
	"fmt"
	"strings"
	"time"

	"portalwatch/internal/config"
	"portalwatch/internal/storage"
)

// mapStorageConfig returns (cfg, enabled, err).
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = "./data/portalwatch"
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
